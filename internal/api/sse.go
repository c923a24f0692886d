package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/agpool/agpool/internal/events"
)

// heartbeatInterval keeps idle SSE connections from being reaped by
// intermediaries.
const heartbeatInterval = 15 * time.Second

// EventStream serves the dashboard's live feed: one init snapshot followed
// by update, flash, log, and cooldown events as they happen.
func (s *Server) EventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.bus.Subscribe()
	defer sub.Close()

	send := func(event string, data any) bool {
		payload, err := json.Marshal(data)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	init := map[string]any{
		"version":         Version,
		"accounts":        s.store.Accounts(),
		"strategy":        s.store.Strategy(),
		"supportedModels": s.models.List(),
		"cooldowns":       s.store.Cooldowns(),
	}
	if s.ring != nil {
		init["logs"] = s.ring.Tail()
	}
	if !send("init", init) {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-sub.C:
			if !open {
				return
			}
			data := evt.Data
			if evt.Type == events.TypeUpdate {
				// The model catalog rides along so the dashboard never
				// renders a stale list.
				if m, ok := data.(map[string]any); ok {
					merged := make(map[string]any, len(m)+1)
					for k, v := range m {
						merged[k] = v
					}
					merged["supportedModels"] = s.models.List()
					data = merged
				}
			}
			if !send(evt.Type, data) {
				return
			}
		}
	}
}
