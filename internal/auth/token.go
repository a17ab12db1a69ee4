// Package auth issues and verifies the bearer tokens that name a viewer.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"threadline/api/internal/message"
	"threadline/api/internal/util"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims identify the feed a request is made on behalf of.
type Claims struct {
	Feed string `json:"feed"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0).UTC()
}

// Signer mints and checks viewer tokens of the form payload.signature, both
// unpadded base64url, signed with HMAC-SHA256.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a token for feed valid for the signer's ttl.
func (s *Signer) Issue(feed string) (string, Claims, error) {
	if !message.IsFeedID(feed) {
		return "", Claims{}, fmt.Errorf("%w: %q is not a feed id", ErrInvalidToken, feed)
	}
	claims := Claims{Feed: feed, JTI: util.NewID("tok"), Exp: s.now().Add(s.ttl).Unix()}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", Claims{}, fmt.Errorf("marshal claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.sign(encoded), claims, nil
}

// Verify checks the signature and expiry of token and returns its claims.
func (s *Signer) Verify(token string) (Claims, error) {
	payload, signature, ok := bytes.Cut([]byte(token), []byte("."))
	if !ok || !hmac.Equal(signature, []byte(s.sign(string(payload)))) {
		return Claims{}, ErrInvalidToken
	}
	decoded, err := base64.RawURLEncoding.DecodeString(string(payload))
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if !message.IsFeedID(claims.Feed) || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if s.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
