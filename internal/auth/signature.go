package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Tawk-Signature"

// VerifyWebhookSignature checks rawBody against the hex-encoded HMAC-SHA256 in
// signature. An empty secret disables verification and always succeeds; callers
// are expected to log that as a degraded-security condition.
func VerifyWebhookSignature(rawBody []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, computeMAC(rawBody, secret))
}

// SignWebhookBody returns the hex signature a sender would attach to rawBody.
func SignWebhookBody(rawBody []byte, secret string) string {
	return hex.EncodeToString(computeMAC(rawBody, secret))
}

func computeMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
