package shared

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const (
	// CSRFSessionKey is the session key holding the current token.
	CSRFSessionKey = "csrf_token"
	// CSRFFormField is the form field name carrying the CSRF token.
	CSRFFormField = "csrf_token"
	// CSRFHeader carries the token for script-driven posts.
	CSRFHeader = "X-CSRF-Token"

	csrfNonceSize = 16
)

// CSRFManager issues and verifies synchronizer tokens bound to a UI session.
// A token is a random nonce followed by an HMAC of the session id and nonce,
// so a token lifted from one session is useless in another.
type CSRFManager struct {
	secret []byte
}

// NewCSRFManager returns a CSRFManager using the provided secret key.
func NewCSRFManager(secret string) *CSRFManager {
	return &CSRFManager{secret: []byte(secret)}
}

// EnsureToken returns the session token, minting one when absent.
func (m *CSRFManager) EnsureToken(ctx context.Context, sess *Session) (string, error) {
	if sess == nil {
		return "", fmt.Errorf("%w: session missing", ErrCSRFTokenMissing)
	}
	if token := sess.Get(CSRFSessionKey); token != "" {
		return token, nil
	}
	return m.Rotate(sess)
}

// Rotate replaces the session token. Called when the session changes
// principal so tokens rendered before sign-in stop working.
func (m *CSRFManager) Rotate(sess *Session) (string, error) {
	if sess == nil {
		return "", fmt.Errorf("%w: session missing", ErrCSRFTokenMissing)
	}
	nonce := make([]byte, csrfNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("csrf nonce: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(append(nonce, m.sign(sess.ID, nonce)...))
	sess.Set(CSRFSessionKey, token)
	return token, nil
}

// VerifyToken checks token against the session copy and its binding to the
// session id.
func (m *CSRFManager) VerifyToken(ctx context.Context, sess *Session, token string) error {
	if sess == nil || token == "" {
		return ErrCSRFTokenMissing
	}
	expected := sess.Get(CSRFSessionKey)
	if expected == "" {
		return ErrCSRFTokenMissing
	}
	if !hmac.Equal([]byte(expected), []byte(token)) {
		return ErrCSRFTokenMismatch
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) <= csrfNonceSize {
		return ErrCSRFTokenMismatch
	}
	nonce, mac := raw[:csrfNonceSize], raw[csrfNonceSize:]
	if !hmac.Equal(mac, m.sign(sess.ID, nonce)) {
		return ErrCSRFTokenMismatch
	}
	return nil
}

// VerifyRequest reads the token from the form field, falling back to the
// header, and verifies it.
func (m *CSRFManager) VerifyRequest(r *http.Request, sess *Session) error {
	token := strings.TrimSpace(r.PostFormValue(CSRFFormField))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get(CSRFHeader))
	}
	return m.VerifyToken(r.Context(), sess, token)
}

func (m *CSRFManager) sign(sessionID string, nonce []byte) []byte {
	mac := hmac.New(sha256.New, m.secret)
	_, _ = mac.Write([]byte(sessionID))
	_, _ = mac.Write([]byte{'|'})
	_, _ = mac.Write(nonce)
	return mac.Sum(nil)
}
