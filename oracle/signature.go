package oracle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of a pushed oracle payload.
const SignatureHeader = "X-Signature"

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a pushed payload against the shared secret. An
// empty secret rejects everything.
func VerifySignature(secret string, body []byte, provided string) bool {
	if secret == "" {
		return false
	}
	cleaned := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(provided)), "0x")
	cleaned = strings.TrimPrefix(cleaned, "sha256=")
	if cleaned == "" {
		return false
	}
	got, err := hex.DecodeString(cleaned)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
