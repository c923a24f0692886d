package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/agpool/agpool/internal/relay"
	"github.com/agpool/agpool/internal/streaming"
)

// maxRequestBody bounds one inbound completion request.
const maxRequestBody = 32 * 1024 * 1024

type statusError interface {
	error
	HTTPStatusCode() int
}

// ChatCompletions relays one provider-compatible completion request through
// the account pool.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var probe struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}
	if probe.Model == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if s.modelBlocked(probe.Model) {
		s.writeError(w, http.StatusNotFound, "invalid_request_error", "model "+probe.Model+" is not available")
		return
	}

	requestID := "chatcmpl-" + uuid.NewString()
	req := relay.Request{
		Body:      body,
		Model:     probe.Model,
		Stream:    probe.Stream,
		ClientID:  r.Header.Get("X-Client-Id"),
		RequestID: requestID,
		SessionID: uuid.NewString(),
	}

	started := time.Now()
	res, err := s.relayer.Relay(r.Context(), req)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}

	w.Header().Set("X-Relay-Attempts", strconv.Itoa(res.Attempts))
	s.logger.Info("request served",
		"model", probe.Model, "email", res.Email, "pool", res.Pool,
		"attempts", res.Attempts, "stream", probe.Stream,
		"duration_ms", time.Since(started).Milliseconds())

	if !probe.Stream {
		w.Header().Set("Content-Type", "application/json")
		w.Write(res.Completion)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	defer res.Cancel()
	defer res.Stream.Close()
	if err := streaming.Forward(w, res.Stream, s.tr, probe.Model, requestID); err != nil {
		s.logger.Warn("stream forwarding aborted", "error", err, "email", res.Email)
	}
}

func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	var exhausted *relay.ExhaustedError
	if errors.As(err, &exhausted) {
		detail := ErrorDetail{
			Message: exhausted.Error(),
			Type:    "rate_limit_error",
			Code:    exhausted.HTTPStatusCode(),
		}
		if trail, mErr := json.Marshal(exhausted.Attempts); mErr == nil {
			detail.Details = trail
		}
		if !exhausted.EarliestReset.IsZero() {
			secs := int(time.Until(exhausted.EarliestReset).Seconds())
			if secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
		s.writeJSON(w, exhausted.HTTPStatusCode(), ErrorResponse{Error: detail})
		return
	}

	var denied statusError
	if errors.As(err, &denied) {
		s.writeError(w, denied.HTTPStatusCode(), "permission_error", denied.Error())
		return
	}

	s.writeError(w, http.StatusBadGateway, "api_error", err.Error())
}

// ListModels serves the supported-model catalog learned from upstream.
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	ids := s.models.List()
	out := struct {
		Object string  `json:"object"`
		Data   []model `json:"data"`
	}{Object: "list", Data: make([]model, 0, len(ids))}
	for _, id := range ids {
		if s.modelBlocked(id) {
			continue
		}
		out.Data = append(out.Data, model{ID: id, Object: "model", OwnedBy: "antigravity"})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// modelBlocked reports whether the model matches a configured blacklist
// entry (substring, case-insensitive).
func (s *Server) modelBlocked(model string) bool {
	lower := strings.ToLower(model)
	for _, entry := range s.cfg.Get().Models.Blacklist {
		if entry != "" && strings.Contains(lower, strings.ToLower(entry)) {
			return true
		}
	}
	return false
}
