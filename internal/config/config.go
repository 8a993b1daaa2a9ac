package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Providers     []ProviderConfig    `json:"providers"`
	Models        map[string]string   `json:"models,omitempty"`
	Orchestration OrchestrationConfig `json:"orchestration"`
	Database      DatabaseConfig      `json:"database"`
	Knowledge     KnowledgeConfig     `json:"knowledge"`
	MigrationsDir string              `json:"migrations_dir"`
	WorkflowsDir  string              `json:"workflows_dir"`
	BlueprintsDir string              `json:"blueprints_dir"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// ProviderConfig declares one LLM backend. Models listed here are routed
// to it; Default marks the provider used for unbound models.
type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Default  bool              `json:"default,omitempty"`
	Fallback bool              `json:"fallback,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

type OrchestrationConfig struct {
	MaxAgentsPerType   int      `json:"max_agents_per_type"`
	ReuseAgents        *bool    `json:"reuse_agents,omitempty"`
	StrictPoolCap      bool     `json:"strict_pool_cap"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	DefaultTaskTimeout Duration `json:"default_task_timeout"`
	MaxRetries         *int     `json:"max_retries,omitempty"`
	PoolWaitTimeout    Duration `json:"pool_wait_timeout"`
	PoolPollInterval   Duration `json:"pool_poll_interval"`
	HistoryLimit       int      `json:"history_limit"`
	// CleanupInterval enables periodic reclamation; zero disables it.
	CleanupInterval    Duration `json:"cleanup_interval"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type KnowledgeConfig struct {
	MaxRefs int `json:"max_refs"`
}

// Duration decodes from a Go duration string such as "300s" or "500ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are seconds.
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	o := &c.Orchestration
	if o.MaxAgentsPerType <= 0 {
		o.MaxAgentsPerType = 5
	}
	if o.ReuseAgents == nil {
		reuse := true
		o.ReuseAgents = &reuse
	}
	if o.MaxConcurrentTasks <= 0 {
		o.MaxConcurrentTasks = 10
	}
	if o.DefaultTaskTimeout <= 0 {
		o.DefaultTaskTimeout = Duration(300 * time.Second)
	}
	if o.MaxRetries == nil {
		retries := 3
		o.MaxRetries = &retries
	}
	if o.PoolWaitTimeout <= 0 {
		o.PoolWaitTimeout = Duration(30 * time.Second)
	}
	if o.PoolPollInterval <= 0 {
		o.PoolPollInterval = Duration(500 * time.Millisecond)
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 100
	}
	if c.Knowledge.MaxRefs <= 0 {
		c.Knowledge.MaxRefs = 5
	}
	if c.MigrationsDir == "" {
		c.MigrationsDir = "migrations"
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config JSON after env substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
