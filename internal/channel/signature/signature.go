// Package signature verifies HMAC signatures on webhook payloads.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"strings"
)

var (
	// ErrMissingSignature is returned when the signature header is absent.
	ErrMissingSignature = errors.New("webhook signature header missing")
	// ErrInvalidSignature is returned when the signature does not match the body.
	ErrInvalidSignature = errors.New("webhook signature mismatch")
)

// Verifier checks hex-encoded HMAC signatures the way Graph-style platforms
// send them, e.g. "sha256=<hexdigest>".
type Verifier struct {
	// Hash returns the HMAC hash constructor. Defaults to SHA-256.
	Hash func() hash.Hash
	// Prefix is stripped from the header value before decoding, e.g. "sha256=".
	Prefix string
	// AllowMissing accepts payloads without a signature header. Used only for
	// accounts that have no secret configured.
	AllowMissing bool
}

// Verify checks header against the HMAC of body under secret.
func (v Verifier) Verify(secret string, body []byte, header string) error {
	if header == "" {
		if v.AllowMissing {
			return nil
		}
		return ErrMissingSignature
	}
	if v.Prefix != "" {
		if !strings.HasPrefix(header, v.Prefix) {
			return ErrInvalidSignature
		}
		header = strings.TrimPrefix(header, v.Prefix)
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return ErrInvalidSignature
	}
	want := v.digest(secret, body)
	if len(got) != len(want) || !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign produces the header value for body under secret, including the prefix.
func (v Verifier) Sign(secret string, body []byte) string {
	return v.Prefix + hex.EncodeToString(v.digest(secret, body))
}

func (v Verifier) digest(secret string, body []byte) []byte {
	newHash := v.Hash
	if newHash == nil {
		newHash = sha256.New
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
