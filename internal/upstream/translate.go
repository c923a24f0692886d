package upstream

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/agpool/agpool/internal/config"
)

// Request carries the routing decisions the envelope needs.
type Request struct {
	Model      string
	ProjectID  string
	SessionID  string
	Pool       string
	Aggressive bool
}

// Translator maps between the inbound chat-completions wire shape and the
// upstream envelope. The gateway treats message bodies as opaque; a custom
// Translator can do deeper protocol work.
type Translator interface {
	// ToUpstream wraps a client body into the upstream envelope.
	ToUpstream(body []byte, req Request) ([]byte, error)
	// FromUpstreamEvent unwraps one upstream SSE payload. A false return
	// drops the event.
	FromUpstreamEvent(data []byte) ([]byte, bool)
}

// EnvelopeTranslator is the default Translator: it resolves the model id,
// sanitizes tool schemas, and wraps the body without restructuring messages.
type EnvelopeTranslator struct{}

type envelope struct {
	Project     string          `json:"project"`
	Model       string          `json:"model"`
	UserAgent   string          `json:"userAgent"`
	RequestID   string          `json:"requestId"`
	RequestType string          `json:"requestType"`
	Request     json.RawMessage `json:"request"`
}

func (EnvelopeTranslator) ToUpstream(body []byte, req Request) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	delete(payload, "model")
	delete(payload, "stream")

	if tools, ok := payload["tools"].([]any); ok {
		payload["tools"] = sanitizeTools(tools, req.Aggressive)
	}
	if req.SessionID != "" {
		payload["sessionId"] = req.SessionID
	}

	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode upstream body: %w", err)
	}
	return json.Marshal(envelope{
		Project:     req.ProjectID,
		Model:       ResolveModel(req.Model, req.Pool),
		UserAgent:   "antigravity",
		RequestID:   "agent-" + uuid.NewString(),
		RequestType: "agent",
		Request:     inner,
	})
}

// FromUpstreamEvent strips the {"response": ...} wrapper some endpoints add.
func (EnvelopeTranslator) FromUpstreamEvent(data []byte) ([]byte, bool) {
	var wrapped struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, false
	}
	if len(wrapped.Response) > 0 {
		return wrapped.Response, true
	}
	return data, true
}

func sanitizeTools(tools []any, aggressive bool) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			out = append(out, t)
			continue
		}
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			out = append(out, t)
			continue
		}
		params, ok := fn["parameters"]
		if !ok {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		fn["parameters"] = SanitizeSchema(params, aggressive)
		out = append(out, tool)
	}
	return out
}

var modelPrefixes = []string{"openai/", "antigravity/", "custom_openai/", "litellm/", "google/"}

// ResolveModel normalizes a client-facing model id into the upstream one for
// the given pool. The cli pool wants -preview suffixed third generation ids;
// the sandbox pool wants bare ids with thinking variants pinned for the
// Claude class.
func ResolveModel(model, pool string) string {
	id := strings.ToLower(model)
	for _, p := range modelPrefixes {
		id = strings.TrimPrefix(id, p)
	}
	id = strings.TrimPrefix(id, "antigravity-")
	if strings.HasPrefix(id, "gemini-claude-") {
		id = "claude-" + strings.TrimPrefix(id, "gemini-claude-")
	}

	// Tier suffixes select a reasoning budget, not a distinct upstream id.
	base := id
	for _, suffix := range []string{"-thinking-low", "-thinking-medium", "-thinking-high", "-low", "-medium", "-high"} {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}

	if strings.Contains(base, "claude") {
		base = strings.TrimSuffix(base, "-preview")
		switch base {
		case "claude-opus-4-6":
			return "claude-opus-4-6-thinking"
		case "claude-sonnet-4-5":
			return "claude-sonnet-4-5-thinking"
		}
		return base
	}

	if pool == config.PoolCLI {
		if strings.Contains(base, "gemini-3") && !strings.HasSuffix(base, "-preview") {
			return base + "-preview"
		}
		return base
	}
	return strings.TrimSuffix(base, "-preview")
}
