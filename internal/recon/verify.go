package recon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verifier checks webhook authenticity: HMAC-SHA256 over the raw body with a
// shared secret, hex-encoded, compared in constant time.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify reports whether signature matches the raw payload.
func (v *Verifier) Verify(raw []byte, signature string) bool {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the hex signature for a payload. Used by tests and by the
// outbound client when a provider expects us to sign callbacks acknowledgments.
func (v *Verifier) Sign(raw []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
