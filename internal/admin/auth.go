// Package admin exposes the control plane's administrative HTTP surface
// (spec.md §6 "process surface"): read-only snapshot endpoints, a
// websocket push channel, and mutation endpoints (kill-switch, enable/
// disable) gated behind HMAC request signing and a static permission map.
// Request signing and RBAC adapted from the teacher's
// internal/alerts/rbac.go (Slack slash-command validation), generalized
// from Slack's "v0:timestamp:body" scheme to plain admin requests.
package admin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxRequestAge = 5 * time.Minute

// Permission constants for the admin surface's static per-caller grants.
const (
	PermissionViewStatus  = "view_status"
	PermissionKillSwitch  = "kill_switch"
	PermissionToggleAgent = "toggle_agent"
	PermissionAllocate    = "allocate_preview"
)

// AuditEntry is one line of the admin audit log.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	CallerID  string    `json:"caller_id"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Outcome   string    `json:"outcome"`
}

// Auth validates HMAC-signed admin requests and enforces a static
// caller-id -> permissions map.
type Auth struct {
	mu            sync.Mutex
	signingSecret []byte
	permissions   map[string][]string
	auditLogPath  string
	logger        *zap.Logger
}

// NewAuth builds an Auth from the signing-key env var and a static
// permission map (loaded once at boot; the admin surface has no user
// directory to consult at request time).
func NewAuth(signingKeyEnv, auditLogPath string, permissions map[string][]string, logger *zap.Logger) *Auth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auth{
		signingSecret: []byte(os.Getenv(signingKeyEnv)),
		permissions:   permissions,
		auditLogPath:  auditLogPath,
		logger:        logger,
	}
}

// ValidateRequest checks the request's HMAC signature and timestamp
// freshness (replay protection), using the teacher's Slack signature
// scheme as is: the signed string is "v0:<timestamp>:<body>" and the
// expected signature is "v0=" followed by the hex HMAC-SHA256. The caller
// id is not part of the signed string.
func (a *Auth) ValidateRequest(signature, timestampHeader, body string) error {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("admin auth: invalid timestamp: %w", err)
	}
	if age := time.Now().Unix() - ts; age > int64(maxRequestAge.Seconds()) || age < -5 {
		return fmt.Errorf("admin auth: request too old or skewed")
	}

	baseString := fmt.Sprintf("v0:%s:%s", timestampHeader, body)
	mac := hmac.New(sha256.New, a.signingSecret)
	mac.Write([]byte(baseString))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		a.logAudit(AuditEntry{Timestamp: time.Now(), Action: "validate_signature", Outcome: "denied"})
		return fmt.Errorf("admin auth: invalid signature")
	}
	return nil
}

// Authorize checks callerID's static permission grant for action and
// appends an audit entry regardless of outcome.
func (a *Auth) Authorize(callerID, action string) error {
	perms, ok := a.permissions[callerID]
	entry := AuditEntry{Timestamp: time.Now(), CallerID: callerID, Action: action, Resource: "admin"}
	if !ok {
		entry.Outcome = "denied"
		a.logAudit(entry)
		return fmt.Errorf("admin auth: unknown caller %q", callerID)
	}
	for _, p := range perms {
		if p == action || p == "*" {
			entry.Outcome = "success"
			a.logAudit(entry)
			return nil
		}
	}
	entry.Outcome = "denied"
	a.logAudit(entry)
	return fmt.Errorf("admin auth: caller %q lacks permission %q", callerID, action)
}

func (a *Auth) logAudit(entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.auditLogPath == "" {
		return
	}
	f, err := os.OpenFile(a.auditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.logger.Warn("admin audit log open failed", zap.Error(err))
		return
	}
	defer f.Close()
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f.Write(append(line, '\n'))
}

// Middleware wraps an http.HandlerFunc, requiring a valid signature and
// the named permission before calling next.
func (a *Auth) Middleware(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get("X-Admin-Caller")
		sig := r.Header.Get("X-Admin-Signature")
		ts := r.Header.Get("X-Admin-Timestamp")

		body, err := readAndRestoreBody(r)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := a.ValidateRequest(sig, ts, body); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := a.Authorize(caller, action); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
