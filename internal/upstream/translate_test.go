package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpool/agpool/internal/config"
)

func TestResolveModel(t *testing.T) {
	cases := []struct {
		model, pool, want string
	}{
		{"gemini-3-pro", config.PoolCLI, "gemini-3-pro-preview"},
		{"gemini-3-pro-preview", config.PoolCLI, "gemini-3-pro-preview"},
		{"gemini-3-pro-preview", config.PoolSandbox, "gemini-3-pro"},
		{"gemini-3-flash-high", config.PoolCLI, "gemini-3-flash-preview"},
		{"gemini-2.5-flash", config.PoolCLI, "gemini-2.5-flash"},
		{"openai/gemini-3-pro", config.PoolSandbox, "gemini-3-pro"},
		{"antigravity-gemini-3-flash", config.PoolSandbox, "gemini-3-flash"},
		{"claude-sonnet-4-5", config.PoolSandbox, "claude-sonnet-4-5-thinking"},
		{"claude-opus-4-6-thinking-high", config.PoolSandbox, "claude-opus-4-6-thinking"},
		{"gemini-claude-sonnet-4-5", config.PoolSandbox, "claude-sonnet-4-5-thinking"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ResolveModel(tc.model, tc.pool), "%s in %s", tc.model, tc.pool)
	}
}

func TestEnvelopeTranslatorToUpstream(t *testing.T) {
	body := []byte(`{
		"model": "gemini-3-pro",
		"stream": true,
		"messages": [{"role":"user","content":"hi"}],
		"tools": [{"type":"function","function":{"name":"f","parameters":{"type":"object","properties":{"q":{"type":"string"}},"additionalProperties":false}}}]
	}`)

	out, err := EnvelopeTranslator{}.ToUpstream(body, Request{
		Model:     "gemini-3-pro",
		ProjectID: "proj-1",
		SessionID: "sess-1",
		Pool:      config.PoolCLI,
	})
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(out, &env))
	assert.Equal(t, "proj-1", env["project"])
	assert.Equal(t, "gemini-3-pro-preview", env["model"])
	assert.Equal(t, "antigravity", env["userAgent"])
	assert.Equal(t, "agent", env["requestType"])
	assert.True(t, strings.HasPrefix(env["requestId"].(string), "agent-"))

	inner := env["request"].(map[string]any)
	assert.NotContains(t, inner, "model")
	assert.NotContains(t, inner, "stream")
	assert.Equal(t, "sess-1", inner["sessionId"])

	tool := inner["tools"].([]any)[0].(map[string]any)
	params := tool["function"].(map[string]any)["parameters"].(map[string]any)
	assert.Equal(t, "OBJECT", params["type"])
	assert.NotContains(t, params, "additionalProperties")
}

func TestEnvelopeTranslatorFromUpstreamEvent(t *testing.T) {
	unwrapped, ok := EnvelopeTranslator{}.FromUpstreamEvent([]byte(`{"response":{"candidates":[]}}`))
	require.True(t, ok)
	assert.JSONEq(t, `{"candidates":[]}`, string(unwrapped))

	passthrough, ok := EnvelopeTranslator{}.FromUpstreamEvent([]byte(`{"candidates":[]}`))
	require.True(t, ok)
	assert.JSONEq(t, `{"candidates":[]}`, string(passthrough))

	_, ok = EnvelopeTranslator{}.FromUpstreamEvent([]byte(`not json`))
	assert.False(t, ok)
}

func TestDispatcherErrorResponseDrained(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		http.Error(w, `{"error":{"code":429}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.Client())
	h := http.Header{}
	h.Set("Authorization", "Bearer at-1")
	res, err := d.Do(context.Background(), srv.URL, h, []byte(`{}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.Status)
	assert.Contains(t, string(res.ErrorBody), "429")
	assert.Nil(t, res.Body)
}

func TestDispatcherSuccessBodyOwnedByCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {}\n\n"))
	}))
	defer srv.Close()

	d := NewDispatcher(srv.Client())
	res, err := d.Do(context.Background(), srv.URL, http.Header{}, []byte(`{}`), time.Second)
	require.NoError(t, err)
	require.NotNil(t, res.Body)
	defer res.Cancel()
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.Status)
}

func TestDispatcherTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.Client())
	_, err := d.Do(context.Background(), srv.URL, http.Header{}, []byte(`{}`), 30*time.Millisecond)
	assert.Error(t, err)
}

func TestFingerprintStability(t *testing.T) {
	a := NewFingerprint("a@x.com")
	b := NewFingerprint("a@x.com")
	assert.Equal(t, a.QuotaUser, b.QuotaUser, "quota user is stable per email")
	assert.Equal(t, a.DeviceID, b.DeviceID)
	assert.NotEqual(t, a.SessionToken, b.SessionToken, "session token is per-generation")

	anon := NewFingerprint("")
	assert.NotEqual(t, a.QuotaUser, anon.QuotaUser)
}

func TestHeaderSets(t *testing.T) {
	fp := NewFingerprint("a@x.com")

	imp := ImpersonationHeaders("at-1", &fp, "claude-sonnet-4-5")
	assert.Equal(t, "Bearer at-1", imp.Get("Authorization"))
	assert.Equal(t, fp.QuotaUser, imp.Get("X-Goog-QuotaUser"))
	assert.NotEmpty(t, imp.Get("anthropic-beta"))

	impGemini := ImpersonationHeaders("at-1", &fp, "gemini-3-pro")
	assert.Empty(t, impGemini.Get("anthropic-beta"))

	cli := CLIHeaders("at-1", &fp)
	assert.Equal(t, "Bearer at-1", cli.Get("Authorization"))
	assert.Contains(t, cli.Get("Client-Metadata"), "ideType=VSCODE")
}
