package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// APIError is a non-2xx answer from an OpenAI-compatible endpoint.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.Status, e.Message)
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
//
// Extra keys: "organization" sets the OpenAI-Organization header,
// "path_model"="true" puts the model name into the URL path.
type OpenAIProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

func (p *OpenAIProvider) chatURL(model string) string {
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

func (p *OpenAIProvider) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	if org := p.config.Extra["organization"]; org != "" {
		req.Header.Set("OpenAI-Organization", org)
	}
	return req, nil
}

// Chat sends a non-streaming chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := p.newRequest(ctx, http.MethodPost, p.chatURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, &APIError{Provider: p.config.ID, Status: resp.StatusCode, Message: msg}
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("decode response from %s: invalid JSON", p.config.ID)
	}

	doc := gjson.ParseBytes(raw)
	choice := doc.Get("choices.0")
	if !choice.Exists() {
		return nil, fmt.Errorf("empty response from provider %s", p.config.ID)
	}

	out := &ChatResponse{
		ID:           doc.Get("id").String(),
		Model:        doc.Get("model").String(),
		Content:      choice.Get("message.content").String(),
		FinishReason: normalizeFinish(choice.Get("finish_reason").String()),
		Usage: Usage{
			PromptTokens:     int(doc.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(doc.Get("usage.completion_tokens").Int()),
			TotalTokens:      int(doc.Get("usage.total_tokens").Int()),
		},
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	p.logger.Debug("chat completion",
		zap.String("provider", p.config.ID),
		zap.String("model", out.Model),
		zap.String("finish", out.FinishReason),
		zap.Int("tokens", out.Usage.TotalTokens))
	return out, nil
}

func normalizeFinish(reason string) string {
	switch reason {
	case "", "stop", "eos", "end_turn":
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	}
	return reason
}

// HealthCheck verifies the models endpoint answers.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	httpReq, err := p.newRequest(ctx, http.MethodGet, p.config.Endpoint+"/models", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check %s: %w", p.config.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: p.config.ID, Status: resp.StatusCode, Message: "models endpoint unavailable"}
	}
	return nil
}
