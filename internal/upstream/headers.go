package upstream

import (
	"net/http"
	"strings"

	"github.com/agpool/agpool/internal/account"
)

const (
	electronUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Antigravity/" + clientVersion + " Chrome/138.0.7204.235 Electron/37.3.1 Safari/537.36"
	sdkAPIClient      = "google-cloud-sdk vscode_cloudshelleditor/0.1"
	cliUserAgent      = "google-api-nodejs-client/9.15.1"
	cliAPIClient      = "gl-node/22.17.0"

	unspecifiedClientMetadata = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`
	cliClientMetadata         = "ideType=VSCODE,platform=MACOS,pluginType=GEMINI,osVersion=14.5,arch=arm64"
)

// ImpersonationHeaders builds the editor-style header set used for sandbox
// dispatch and Claude-class models.
func ImpersonationHeaders(accessToken string, fp *account.Fingerprint, model string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", electronUserAgent)
	h.Set("X-Goog-Api-Client", sdkAPIClient)
	if fp != nil {
		h.Set("X-Goog-QuotaUser", fp.QuotaUser)
		h.Set("X-Client-Device-Id", fp.DeviceID)
	}
	h.Set("Client-Metadata", unspecifiedClientMetadata)

	lower := strings.ToLower(model)
	if strings.Contains(lower, "claude") || strings.Contains(lower, "anthropic") {
		h.Set("anthropic-beta", "interleaved-thinking-2025-05-14")
	}
	return h
}

// CLIHeaders builds the terminal-client header set used for cli-pool
// dispatch of non-Claude models.
func CLIHeaders(accessToken string, fp *account.Fingerprint) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("User-Agent", cliUserAgent)
	h.Set("X-Goog-Api-Client", cliAPIClient)
	if fp != nil {
		h.Set("X-Goog-QuotaUser", fp.QuotaUser)
		h.Set("X-Client-Device-Id", fp.DeviceID)
	}
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Client-Metadata", cliClientMetadata)
	return h
}
