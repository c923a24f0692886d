package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthURL(t *testing.T) {
	c := NewClient("http://localhost:3000", nil)
	raw := c.AuthURL("state-123")

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, clientID, q.Get("client_id"))
	assert.Equal(t, "http://localhost:3000/oauth-callback", q.Get("redirect_uri"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "plain", q.Get("code_challenge_method"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Contains(t, q.Get("scope"), "cloud-platform")
}

func TestUserEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"email":"a@x.com","verified_email":true}`))
	}))
	defer srv.Close()

	c := NewClient("http://localhost:3000", srv.Client())
	c.userinfoURL = srv.URL

	email, err := c.UserEmail(context.Background(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", email)
}

func TestUserEmailErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("http://localhost:3000", srv.Client())
	c.userinfoURL = srv.URL

	_, err := c.UserEmail(context.Background(), "at-1")
	assert.ErrorContains(t, err, "401")
}

func TestDiscoverProjectIDStringForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cloudaicompanionProject":"proj-abc"}`))
	}))
	defer srv.Close()

	c := NewClient("http://localhost:3000", srv.Client())
	c.loadCodeAssistURL = srv.URL

	id, err := c.DiscoverProjectID(context.Background(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-abc", id)
}

func TestDiscoverProjectIDObjectFormAndFallback(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			// First ide type yields nothing; the client must try the next.
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"cloudaicompanionProject":{"id":"proj-xyz"}}`))
	}))
	defer srv.Close()

	c := NewClient("http://localhost:3000", srv.Client())
	c.loadCodeAssistURL = srv.URL

	id, err := c.DiscoverProjectID(context.Background(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-xyz", id)
	assert.Equal(t, 2, calls)
}

func TestDiscoverProjectIDNoProject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient("http://localhost:3000", srv.Client())
	c.loadCodeAssistURL = srv.URL

	id, err := c.DiscoverProjectID(context.Background(), "at-1")
	require.NoError(t, err)
	assert.Empty(t, id)
}
