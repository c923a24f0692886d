package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpool/agpool/internal/events"
)

func TestRingKeepsTailOldestFirst(t *testing.T) {
	logger, h := NewLogger(bytes.NewBuffer(nil), "info", "json", 3, nil)

	for i := 0; i < 5; i++ {
		logger.Info(fmt.Sprintf("msg-%d", i))
	}

	tail := h.Tail()
	require.Len(t, tail, 3)
	assert.Equal(t, "msg-2", tail[0].Message)
	assert.Equal(t, "msg-4", tail[2].Message)
}

func TestRingCapturesAttrsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, h := NewLogger(&buf, "info", "json", 10, nil)

	logger.Warn("upstream error", "email", "a@x.com", "status", 429)

	tail := h.Tail()
	require.Len(t, tail, 1)
	assert.Equal(t, "warn", tail[0].Level)
	assert.Equal(t, "a@x.com", tail[0].Attrs["email"])
	assert.Contains(t, buf.String(), `"email":"a@x.com"`)
}

func TestRingPublishesLogEvents(t *testing.T) {
	bus := events.NewBus(4)
	sub := bus.Subscribe()
	defer sub.Close()

	logger, _ := NewLogger(bytes.NewBuffer(nil), "info", "json", 10, bus)
	logger.Info("dispatching", "pool", "cli")

	evt := <-sub.C
	assert.Equal(t, events.TypeLog, evt.Type)
	entry, ok := evt.Data.(Entry)
	require.True(t, ok)
	assert.Equal(t, "dispatching", entry.Message)
}

func TestLevelFiltering(t *testing.T) {
	logger, h := NewLogger(bytes.NewBuffer(nil), "warn", "json", 10, nil)

	logger.Info("ignored")
	logger.Error("kept")

	tail := h.Tail()
	require.Len(t, tail, 1)
	assert.Equal(t, "kept", tail[0].Message)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
