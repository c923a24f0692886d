// Package upstream builds and dispatches requests to the code-assist
// backends: device identity, impersonation headers, the request envelope,
// and the HTTP call itself.
package upstream

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/agpool/agpool/internal/account"
)

const clientVersion = "1.15.8"

// NewFingerprint derives a device identity for an account. With an email the
// quota user and device id are stable across restarts; without one they are
// random.
func NewFingerprint(email string) account.Fingerprint {
	quotaUser := randomQuotaUser()
	deviceID := uuid.NewString()
	if email != "" {
		sum := sha256.Sum256([]byte(email))
		stable := hex.EncodeToString(sum[:])[:16]
		quotaUser = "device-" + stable
		deviceID = stable
	}
	return account.Fingerprint{
		UserAgent:    "antigravity/" + clientVersion + " darwin/arm64",
		QuotaUser:    quotaUser,
		DeviceID:     deviceID,
		Platform:     "darwin/arm64",
		SessionToken: randomHex(16),
		CreatedAt:    time.Now().UnixMilli(),
	}
}

func randomQuotaUser() string {
	return "device-" + randomHex(8)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; uuid as a fallback
		// keeps the identity unique regardless.
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
