package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// Verify reports whether signature is the hex-encoded HMAC-SHA256 of rawBody under secret.
// The digest is computed over the exact bytes received; nothing is re-serialized.
// Empty, non-hex or wrong-length signatures are rejected without comparing.
func Verify(rawBody []byte, signature, secret string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}

	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}

	return hmac.Equal(got, Sign(rawBody, secret))
}

// Sign returns the raw HMAC-SHA256 digest of body under secret.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHex is Sign encoded as lowercase hex, the header format the tracker sends.
func SignHex(body []byte, secret string) string {
	return hex.EncodeToString(Sign(body, secret))
}
