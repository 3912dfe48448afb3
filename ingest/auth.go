// Package ingest turns webhook deliveries into deduplicated alerts and
// queued workflow runs: route by path, authenticate, rate limit, parse,
// filter, dedup, enqueue.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/quellops/quell/resource"
)

// DefaultSignatureHeader carries the HMAC body signature.
const DefaultSignatureHeader = "X-Signature"

// AuthError reports a failed webhook authentication. Maps to 401.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// Authenticate checks the request against the source's auth config. All
// secret comparisons are constant time.
func Authenticate(auth resource.AuthConfig, r *http.Request, body []byte) error {
	switch auth.Type {
	case "", "none":
		return nil

	case "bearer":
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return &AuthError{Reason: "missing bearer token"}
		}
		if !constantTimeEqual(token, auth.Token) {
			return &AuthError{Reason: "invalid bearer token"}
		}
		return nil

	case "basic":
		user, pass, ok := r.BasicAuth()
		if !ok {
			return &AuthError{Reason: "missing basic credentials"}
		}
		userOK := constantTimeEqual(user, auth.Username)
		passOK := constantTimeEqual(pass, auth.Password)
		if !userOK || !passOK {
			return &AuthError{Reason: "invalid basic credentials"}
		}
		return nil

	case "hmac":
		header := auth.SignatureHeader
		if header == "" {
			header = DefaultSignatureHeader
		}
		signature := r.Header.Get(header)
		if signature == "" {
			return &AuthError{Reason: "missing signature header"}
		}
		signature = strings.TrimPrefix(signature, "sha256=")

		mac := hmac.New(sha256.New, []byte(auth.Secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			return &AuthError{Reason: "invalid signature"}
		}
		return nil

	case "header":
		value := r.Header.Get(auth.Header)
		if value == "" {
			return &AuthError{Reason: "missing auth header"}
		}
		if !constantTimeEqual(value, auth.Value) {
			return &AuthError{Reason: "invalid auth header"}
		}
		return nil

	default:
		return &AuthError{Reason: fmt.Sprintf("unknown auth type %q", auth.Type)}
	}
}

func constantTimeEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
