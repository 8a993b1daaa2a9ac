package agent

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

var (
	fenceRe   = regexp.MustCompile("(?s)```([\\w+#.-]*)\\n(.*?)```")
	urlRe     = regexp.MustCompile(`https?://[^\s)\]>"']+`)
	headingRe = regexp.MustCompile(`(?m)^#{1,6} \S`)
)

// ExtractArtifacts pulls typed artifacts out of a model answer: fenced
// code blocks, a whole-answer JSON document, links and markdown documents.
func ExtractArtifacts(text string) []Artifact {
	var out []Artifact

	trimmed := strings.TrimSpace(text)
	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && gjson.Valid(trimmed) {
		out = append(out, newArtifact(ArtifactJSON, trimmed, nil))
	}

	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		lang, body := strings.ToLower(m[1]), m[2]
		switch {
		case lang == "json" && gjson.Valid(body):
			out = append(out, newArtifact(ArtifactJSON, body, nil))
		case lang == "csv" || lang == "tsv":
			out = append(out, newArtifact(ArtifactData, body, map[string]string{"format": lang}))
		case lang == "mermaid" || lang == "vega" || lang == "svg":
			out = append(out, newArtifact(ArtifactVisualization, body, map[string]string{"format": lang}))
		default:
			meta := map[string]string{}
			if lang != "" {
				meta["language"] = lang
			}
			out = append(out, newArtifact(ArtifactCode, body, meta))
		}
	}

	seen := make(map[string]bool)
	for _, u := range urlRe.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:")
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, newArtifact(ArtifactReference, u, nil))
	}

	if headingRe.MatchString(text) {
		out = append(out, newArtifact(ArtifactMarkdown, text, nil))
	}
	return out
}

// statedConfidence reads a "confidence" field from a JSON answer.
func statedConfidence(text string) (float64, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return 0, false
	}
	c := gjson.Get(trimmed, "confidence")
	if !c.Exists() || c.Type != gjson.Number {
		return 0, false
	}
	v := c.Float()
	if v < 0 || v > 1 {
		return 0, false
	}
	return v, true
}

func newArtifact(t ArtifactType, content string, meta map[string]string) Artifact {
	if len(meta) == 0 {
		meta = nil
	}
	return Artifact{ID: uuid.New().String(), Type: t, Content: content, Metadata: meta}
}
