// Package signature verifies webhook payload authenticity.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Disjoint reject reasons. Callers map any of them to a 403.
var (
	ErrMissingSignature   = errors.New("missing signature header")
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// Verify checks the X-Hub-Signature-256 header against body.
// Expected header format: sha256=<hex-encoded-signature>.
// The digest comparison is constant-time; this must run before any parsing
// or enqueue of the payload.
func Verify(header string, body []byte, secret string) error {
	if header == "" {
		return ErrMissingSignature
	}

	algorithm, providedHex, ok := strings.Cut(header, "=")
	if !ok || algorithm != "sha256" {
		return ErrMalformedSignature
	}

	provided, err := hex.DecodeString(providedHex)
	if err != nil {
		return ErrMalformedSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, provided) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign computes the header value for body. Used by tests and local tooling.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
