// Package oauth handles the Google credential lifecycle for pool accounts:
// the consent URL, the code exchange, refreshes, and upstream project
// discovery.
package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/agpool/agpool/internal/account"
)

// Published desktop-client credentials. The upstream only issues Code Assist
// grants to this client, so they are constants rather than configuration.
const (
	clientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	clientSecret = "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"

	authURI  = "https://accounts.google.com/o/oauth2/v2/auth"
	tokenURI = "https://oauth2.googleapis.com/token"

	userinfoURL       = "https://www.googleapis.com/oauth2/v2/userinfo"
	loadCodeAssistURL = "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"

	// The client registration predates PKCE S256 support, so the flow uses a
	// fixed plain challenge.
	codeChallenge = "cFH3lPzU2FhJjQhHlGqKqQhHlGqKqQhHlGqKqQhHlGq"
)

var scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// Client drives the OAuth flow. It satisfies the account selector's
// Refresher contract.
type Client struct {
	conf *oauth2.Config
	http *http.Client

	userinfoURL       string
	loadCodeAssistURL string
}

// NewClient builds a client whose redirect lands on baseURL/oauth-callback.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURI,
				TokenURL: tokenURI,
			},
			RedirectURL: strings.TrimRight(baseURL, "/") + "/oauth-callback",
			Scopes:      scopes,
		},
		http:              httpClient,
		userinfoURL:       userinfoURL,
		loadCodeAssistURL: loadCodeAssistURL,
	}
}

// AuthURL returns the consent URL a new account must visit.
func (c *Client) AuthURL(state string) string {
	return c.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "plain"),
	)
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.conf.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeChallenge),
	)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return tok, nil
}

// Refresh renews an access token from a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (account.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	ts := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return account.Token{}, fmt.Errorf("token refresh: %w", err)
	}
	expiresIn := int64(time.Until(tok.Expiry) / time.Second)
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return account.Token{AccessToken: tok.AccessToken, ExpiresInSeconds: expiresIn}, nil
}

// UserEmail resolves the account email behind an access token.
func (c *Client) UserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userinfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("userinfo status %d: %s", resp.StatusCode, body)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("userinfo decode: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo response missing email")
	}
	return info.Email, nil
}

// ideTypes are tried in order until the upstream reveals a project. Which
// one succeeds depends on how the account was provisioned.
var ideTypes = []string{"VSCODE", "JETBRAINS", "CLOUD_SHELL", "IDE_UNSPECIFIED"}

// DiscoverProjectID asks the code-assist endpoint which managed project the
// account belongs to. Accounts without one return an empty string, not an
// error.
func (c *Client) DiscoverProjectID(ctx context.Context, accessToken string) (string, error) {
	var lastErr error
	for _, ideType := range ideTypes {
		id, err := c.loadCodeAssist(ctx, accessToken, ideType)
		if err != nil {
			lastErr = err
			continue
		}
		if id != "" {
			return id, nil
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("project discovery: %w", lastErr)
	}
	return "", nil
}

func (c *Client) loadCodeAssist(ctx context.Context, accessToken, ideType string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"metadata": map[string]string{
			"ideType":    ideType,
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loadCodeAssistURL, strings.NewReader(string(payload)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("loadCodeAssist %s status %d: %s", ideType, resp.StatusCode, body)
	}

	// The project field is either a plain string or an object with an id.
	var out struct {
		CloudAICompanionProject json.RawMessage `json:"cloudaicompanionProject"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.CloudAICompanionProject) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(out.CloudAICompanionProject, &asString); err == nil {
		return asString, nil
	}
	var asObject struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out.CloudAICompanionProject, &asObject); err == nil {
		return asObject.ID, nil
	}
	return "", nil
}
