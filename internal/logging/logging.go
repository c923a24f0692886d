// Package logging wires slog output to the process sinks: the primary
// structured handler plus a bounded in-memory ring the dashboard reads its
// log tail from.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agpool/agpool/internal/events"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

type ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) tail() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// RingHandler tees records to an inner handler while retaining the last N
// in memory and publishing each as a log event on the bus.
type RingHandler struct {
	inner slog.Handler
	ring  *ring
	bus   *events.Bus
	group string
}

// NewRingHandler wraps inner with a capture ring of the given size. The bus
// may be nil for plain buffered logging.
func NewRingHandler(inner slog.Handler, size int, bus *events.Bus) *RingHandler {
	if size <= 0 {
		size = 200
	}
	return &RingHandler{
		inner: inner,
		ring:  &ring{entries: make([]Entry, size)},
		bus:   bus,
	}
}

func (h *RingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RingHandler) Handle(ctx context.Context, rec slog.Record) error {
	entry := Entry{
		Time:    rec.Time,
		Level:   strings.ToLower(rec.Level.String()),
		Message: rec.Message,
	}
	if rec.NumAttrs() > 0 {
		entry.Attrs = make(map[string]any, rec.NumAttrs())
		rec.Attrs(func(a slog.Attr) bool {
			key := a.Key
			if h.group != "" {
				key = h.group + "." + key
			}
			entry.Attrs[key] = a.Value.Resolve().Any()
			return true
		})
	}
	h.ring.add(entry)
	if h.bus != nil {
		h.bus.Publish(events.Event{Type: events.TypeLog, Data: entry})
	}
	return h.inner.Handle(ctx, rec)
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	return &clone
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group += "." + name
	}
	return &clone
}

// Tail returns the retained entries, oldest first.
func (h *RingHandler) Tail() []Entry {
	return h.ring.tail()
}

// ParseLevel maps a config level string to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger: JSON or text to w, captured by a
// RingHandler. It returns both so callers can serve the tail.
func NewLogger(w io.Writer, level, format string, size int, bus *events.Bus) (*slog.Logger, *RingHandler) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.ToLower(format) == "text" {
		inner = slog.NewTextHandler(w, opts)
	} else {
		inner = slog.NewJSONHandler(w, opts)
	}
	h := NewRingHandler(inner, size, bus)
	return slog.New(h), h
}
