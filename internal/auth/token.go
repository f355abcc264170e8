// Package auth verifies signed handshake tokens. It is a pure,
// side-effect-free package: no I/O, no shared state, safe for
// concurrent use from every connection's auth command handler.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Error is returned for any token that fails verification: malformed
// shape, bad signature, or an expired timestamp. Connection handlers
// treat it as spec's AuthError — send one error frame, close.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: %s", e.Reason)
}

// Identity is the result of a successful token verification, joined
// with the client-supplied session id carried alongside the token in
// the auth command's data payload.
type Identity struct {
	Token     string
	UserID    int64
	SessionID string
}

// claims is the JSON shape embedded as the token's payload segment.
type claims struct {
	UserID    int64  `json:"user_id"`
	ExpiresAt *int64 `json:"exp,omitempty"`
}

// Verifier checks tokens of the form "payload.signature", where
// payload is base64url-encoded JSON and signature is the hex-encoded
// HMAC-SHA256 of the encoded payload under secret. It neither reads
// state nor performs I/O.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier bound to the configured secret key.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and checks token, returning the embedded user id on
// success. sessionID is not part of the token; callers must obtain it
// from the auth command's data.sessionId field and attach it to the
// returned Identity themselves, since the token only authenticates the
// user, not the session.
func (v *Verifier) Verify(token string) (userID int64, err error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return 0, &Error{Reason: "malformed token"}
	}
	encodedPayload, signature := parts[0], parts[1]

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(encodedPayload))
	expected := mac.Sum(nil)

	gotSig, err := hex.DecodeString(signature)
	if err != nil || subtle.ConstantTimeCompare(expected, gotSig) != 1 {
		return 0, &Error{Reason: "bad signature"}
	}

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return 0, &Error{Reason: "malformed payload encoding"}
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return 0, &Error{Reason: "malformed payload json"}
	}
	if c.UserID == 0 {
		return 0, &Error{Reason: "missing user_id"}
	}
	if c.ExpiresAt != nil && time.Now().Unix() > *c.ExpiresAt {
		return 0, &Error{Reason: "token expired"}
	}

	return c.UserID, nil
}

// Sign mints a "payload.signature" token for userID, optionally
// expiring at expiresAt (unix seconds). Used by cmd/tokengen and by
// tests; the gateway itself never signs tokens — per spec, signing is
// an out-of-scope collaborator.
func Sign(secret string, userID int64, expiresAt *int64) string {
	payload, err := json.Marshal(claims{UserID: userID, ExpiresAt: expiresAt})
	if err != nil {
		panic(err) // claims is a fixed, always-marshalable shape
	}
	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encodedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))

	return encodedPayload + "." + signature
}
