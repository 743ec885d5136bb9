// Package auth implements the stateless bearer-token codec and the raw
// credential helpers shared by the magic-link lifecycle. Tokens carry
// their own validity: there is no server-side session record and no way
// to revoke a single token before it expires. A revocation denylist
// keyed by a token identifier could be layered on top if that trade-off
// ever changes.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims are the session facts embedded in a bearer token. Field order
// is the serialization order, so encoding is deterministic.
type Claims struct {
	Sub         string `json:"sub"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Iat         int64  `json:"iat"`
	Exp         int64  `json:"exp"`
}

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("bad token signature")
	ErrExpiredToken   = errors.New("expired token")
)

// IssueToken mints a compact bearer token: base64url claims JSON, a
// literal dot, then a hex HMAC-SHA-256 over the encoded payload bytes.
func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

// ParseToken verifies and decodes a bearer token. The signature is
// checked before anything inside the payload is trusted; expiry comes
// last so an attacker cannot probe unsigned expiry claims.
func ParseToken(secret []byte, token string) (Claims, error) {
	return ParseTokenAt(secret, token, time.Now())
}

// ParseTokenAt is ParseToken against an explicit verification instant.
func ParseTokenAt(secret []byte, token string, now time.Time) (Claims, error) {
	payload, signature, found := strings.Cut(token, ".")
	if !found || payload == "" || signature == "" {
		return Claims{}, ErrMalformedToken
	}

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Claims{}, ErrBadSignature
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrMalformedToken
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrMalformedToken
	}
	if now.Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

// sign computes the hex HMAC-SHA-256 of the encoded payload. hmac.Equal
// keeps the verification comparison constant-time.
func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashToken is the one-way digest persisted in place of raw magic-link
// credentials, so a leaked store never leaks usable tokens.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// NewMagicToken returns a fresh 256-bit URL-safe credential.
func NewMagicToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate magic token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
