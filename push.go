package shuttleplus

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// PushSignatureHeader carries the hex HMAC-SHA256 of a push delivery body.
const PushSignatureHeader = "X-Shuttleplus-Signature"

var ErrEmptyPush = errors.New("shuttleplus: empty push payload")

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyPushSignature verifies a push delivery signature using HMAC-SHA256.
// A leading "sha256=" is accepted. Uses constant-time comparison.
func VerifyPushSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignPush returns the "sha256=" signature for body.
func SignPush(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParsePushPayload turns a push body into the notification to show.
func ParsePushPayload(body []byte) (*Notification, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyPush
	}
	return BuildNotification(body), nil
}

// ============================================================================
// PushReceiver
// ============================================================================

// PushHandlerFunc receives a verified push body.
type PushHandlerFunc func(ctx context.Context, body []byte) (*Notification, error)

// PushReceiver verifies signed push deliveries and hands them on.
type PushReceiver struct {
	secret string
	onPush PushHandlerFunc
}

// NewPushReceiver creates a receiver. onPush is usually
// CacheController.HandlePush.
func NewPushReceiver(secret string, onPush PushHandlerFunc) (*PushReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	return &PushReceiver{secret: secret, onPush: onPush}, nil
}

func (p *PushReceiver) Verify(body []byte, signature string) bool {
	return VerifyPushSignature(body, signature, p.secret)
}

// Handle processes one delivery (verify + parse + dispatch) and returns the
// status code and response body for the caller to write.
func (p *PushReceiver) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !p.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	if _, err := ParsePushPayload(body); err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	n, err := p.onPush(ctx, body)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	if n != nil {
		return http.StatusOK, n
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

func (p *PushReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	defer r.Body.Close()

	status, data := p.Handle(r.Context(), body, r.Header.Get(PushSignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
