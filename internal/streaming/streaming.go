// Package streaming reads upstream SSE bodies and re-frames them as
// chat-completion chunks: line scanning, per-event conversion, forwarding
// for streaming clients, and whole-response aggregation for non-streaming
// ones.
package streaming

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/agpool/agpool/internal/upstream"
)

// maxLineSize bounds one SSE line. Upstream events carrying inline images
// can be large.
const maxLineSize = 10 * 1024 * 1024

type geminiEvent struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiPart struct {
	Text             string          `json:"text"`
	Thought          json.RawMessage `json:"thought"`
	ThoughtSignature string          `json:"thoughtSignature"`
	FunctionCall     *struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCall"`
}

// isThought reports whether the part is reasoning rather than answer text.
// The flag arrives as a boolean or as inline thought text.
func (p geminiPart) isThought() bool {
	if len(p.Thought) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(p.Thought, &b); err == nil {
		return b
	}
	var s string
	return json.Unmarshal(p.Thought, &s) == nil && s != ""
}

type chunkDelta struct {
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *usage        `json:"usage,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChunkFromEvent converts one unwrapped upstream event into a marshaled
// completion chunk. The second return is false for events with nothing to
// forward.
func ChunkFromEvent(data []byte, model, requestID string, hasPriorToolCalls bool) ([]byte, bool) {
	out, ok := eventToChunk(data, model, requestID, hasPriorToolCalls)
	if !ok {
		return nil, false
	}
	body, err := json.Marshal(out)
	return body, err == nil
}

// hasToolCalls reports whether any choice delta carries a tool call.
func (c chunk) hasToolCalls() bool {
	for _, ch := range c.Choices {
		if len(ch.Delta.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

func eventToChunk(data []byte, model, requestID string, hasPriorToolCalls bool) (chunk, bool) {
	var ev geminiEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return chunk{}, false
	}

	out := chunk{
		ID:      requestID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
	}
	if ev.UsageMetadata != nil {
		out.Usage = &usage{
			PromptTokens:     ev.UsageMetadata.PromptTokenCount,
			CompletionTokens: ev.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      ev.UsageMetadata.TotalTokenCount,
		}
	}

	if len(ev.Candidates) == 0 {
		if out.Usage == nil {
			return chunk{}, false
		}
		out.Choices = []chunkChoice{}
		return out, true
	}

	cand := ev.Candidates[0]
	var delta chunkDelta
	signature := ""
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			if p.isThought() {
				delta.ReasoningContent += p.Text
			} else {
				delta.Content += p.Text
			}
		}
		if p.ThoughtSignature != "" {
			signature = p.ThoughtSignature
		}
		if p.FunctionCall != nil {
			id := p.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", len(delta.ToolCalls))
			}
			// The signature piggybacks on the call id so multi-turn clients
			// echo it back.
			if signature != "" && !strings.HasPrefix(id, "sig:") {
				id = "sig:" + signature + ":" + id
			}
			tc := toolCall{Index: len(delta.ToolCalls), ID: id, Type: "function"}
			tc.Function.Name = p.FunctionCall.Name
			args := "{}"
			if len(p.FunctionCall.Args) > 0 {
				args = string(p.FunctionCall.Args)
			}
			tc.Function.Arguments = args
			delta.ToolCalls = append(delta.ToolCalls, tc)
		}
	}

	empty := delta.Content == "" && delta.ReasoningContent == "" && len(delta.ToolCalls) == 0
	if empty && cand.FinishReason == "" && out.Usage == nil {
		return chunk{}, false
	}

	var finish *string
	if cand.FinishReason != "" {
		f := finishReason(cand.FinishReason, len(delta.ToolCalls) > 0 || hasPriorToolCalls)
		finish = &f
	}
	out.Choices = []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}}
	return out, true
}

func finishReason(upstreamReason string, toolCalls bool) string {
	if toolCalls {
		return "tool_calls"
	}
	switch upstreamReason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	case "MALFORMED_FUNCTION_CALL":
		return "tool_calls"
	default:
		return "stop"
	}
}

// scan invokes fn for every data payload in an SSE body, skipping blanks
// and the terminal [DONE] marker.
func scan(body io.Reader, fn func(data []byte) error) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := line[len("data: "):]
		if payload == "[DONE]" {
			continue
		}
		if err := fn([]byte(payload)); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Forward streams an upstream SSE body to w as completion chunks, flushing
// per event, and terminates with [DONE].
func Forward(w io.Writer, body io.Reader, tr upstream.Translator, model, requestID string) error {
	flusher, _ := w.(http.Flusher)
	hasPriorToolCalls := false

	err := scan(body, func(data []byte) error {
		event, ok := tr.FromUpstreamEvent(data)
		if !ok {
			return nil
		}
		ch, ok := eventToChunk(event, model, requestID, hasPriorToolCalls)
		if !ok {
			return nil
		}
		if ch.hasToolCalls() {
			hasPriorToolCalls = true
		}
		out, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", out); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	return err
}

// Collected is a whole aggregated response.
type Collected struct {
	Content      string
	Reasoning    string
	ToolCalls    []toolCall
	FinishReason string
	Usage        *usage
}

// Empty reports a successful-looking exchange that produced nothing usable:
// no content, no tool calls, and a finish reason other than length.
func (c *Collected) Empty() bool {
	return c.Content == "" && len(c.ToolCalls) == 0 && c.FinishReason != "length"
}

// Completion renders the aggregate as a chat.completion body.
func (c *Collected) Completion(model, requestID string) ([]byte, error) {
	msg := map[string]any{
		"role":    "assistant",
		"content": c.Content,
	}
	if c.Reasoning != "" {
		msg["reasoning_content"] = c.Reasoning
	}
	if len(c.ToolCalls) > 0 {
		msg["tool_calls"] = c.ToolCalls
	}
	body := map[string]any{
		"id":      requestID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": c.FinishReason,
		}},
	}
	if c.Usage != nil {
		body["usage"] = c.Usage
	}
	return json.Marshal(body)
}

// Collect drains an upstream SSE body into one aggregate.
func Collect(body io.Reader, tr upstream.Translator, model, requestID string) (*Collected, error) {
	out := &Collected{FinishReason: "stop"}
	hasPriorToolCalls := false

	err := scan(body, func(data []byte) error {
		event, ok := tr.FromUpstreamEvent(data)
		if !ok {
			return nil
		}
		ch, ok := eventToChunk(event, model, requestID, hasPriorToolCalls)
		if !ok {
			return nil
		}
		if ch.Usage != nil {
			out.Usage = ch.Usage
		}
		if len(ch.Choices) == 0 {
			return nil
		}
		choice := ch.Choices[0]
		out.Content += choice.Delta.Content
		out.Reasoning += choice.Delta.ReasoningContent
		for _, tc := range choice.Delta.ToolCalls {
			tc.Index = len(out.ToolCalls)
			out.ToolCalls = append(out.ToolCalls, tc)
			hasPriorToolCalls = true
		}
		if choice.FinishReason != nil {
			out.FinishReason = *choice.FinishReason
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read upstream stream: %w", err)
	}
	return out, nil
}
