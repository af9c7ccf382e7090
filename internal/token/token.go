// Package token issues and verifies the short-lived credentials that gate
// persistent-channel establishment.
//
// A token is base64url(issuedAtUnixMs(8) || nonce(8) || hmac-sha256(32)) over
// a per-issuer secret. Verification checks the MAC and that the token age is
// within the closed validity interval [issuedAt, issuedAt+validity].
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	timestampLen = 8
	nonceLen     = 8
	macLen       = sha256.Size
	rawLen       = timestampLen + nonceLen + macLen
)

// DefaultValidity matches the client's refresh cadence; tokens are rotated
// well before expiry.
const DefaultValidity = 2 * time.Minute

// Issuer mints and verifies connection tokens with one in-process secret.
// The zero value is unusable; construct with New.
type Issuer struct {
	secret   []byte
	validity time.Duration
	now      func() time.Time
}

// New creates an issuer. A nil secret generates a random per-process one,
// which is the common case: tokens only need to be verifiable by the process
// that minted them. A non-positive validity falls back to DefaultValidity.
func New(secret []byte, validity time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Issuer{secret: secret, validity: validity, now: time.Now}, nil
}

// Validity returns the configured validity window.
func (i *Issuer) Validity() time.Duration { return i.validity }

// Issue produces an opaque credential embedding the issuance timestamp.
func (i *Issuer) Issue() (string, error) {
	raw := make([]byte, timestampLen+nonceLen, rawLen)
	binary.BigEndian.PutUint64(raw[:timestampLen], uint64(i.now().UnixMilli()))
	if _, err := rand.Read(raw[timestampLen : timestampLen+nonceLen]); err != nil {
		return "", fmt.Errorf("generate token nonce: %w", err)
	}

	mac := hmac.New(sha256.New, i.secret)
	mac.Write(raw)
	raw = mac.Sum(raw)

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Verify reports whether tok is well formed, authentic and still within its
// validity window. Expiry is a closed interval: a token is valid at exactly
// issuedAt+validity and invalid one millisecond later. Tokens stamped in the
// future are rejected.
func (i *Issuer) Verify(tok string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil || len(raw) != rawLen {
		return false
	}

	body := raw[:timestampLen+nonceLen]
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), raw[timestampLen+nonceLen:]) != 1 {
		return false
	}

	issuedAt := int64(binary.BigEndian.Uint64(raw[:timestampLen]))
	age := i.now().UnixMilli() - issuedAt
	return age >= 0 && age <= i.validity.Milliseconds()
}
