package admin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret, timestamp, body string) string {
	baseString := fmt.Sprintf("v0:%s:%s", timestamp, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(baseString))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestAuth(t *testing.T, secret string) *Auth {
	t.Helper()
	t.Setenv("ADMIN_SIGNING_KEY_TEST", secret)
	return NewAuth("ADMIN_SIGNING_KEY_TEST", "", map[string][]string{
		"ops":     {"*"},
		"readonly": {PermissionViewStatus},
	}, nil)
}

func TestValidateRequestAcceptsFreshCorrectlySignedRequest(t *testing.T) {
	a := newTestAuth(t, "secret")
	ts := fmt.Sprintf("%d", time.Now().Unix())
	body := `{"hello":"world"}`
	sig := sign("secret", ts, body)

	err := a.ValidateRequest(sig, ts, body)
	assert.NoError(t, err)
}

func TestValidateRequestRejectsBadSignature(t *testing.T) {
	a := newTestAuth(t, "secret")
	ts := fmt.Sprintf("%d", time.Now().Unix())

	err := a.ValidateRequest("v0=deadbeef", ts, "body")
	assert.Error(t, err)
}

func TestValidateRequestRejectsStaleTimestamp(t *testing.T) {
	a := newTestAuth(t, "secret")
	ts := fmt.Sprintf("%d", time.Now().Add(-10*time.Minute).Unix())
	body := ""
	sig := sign("secret", ts, body)

	err := a.ValidateRequest(sig, ts, body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too old")
}

func TestValidateRequestRejectsUnparseableTimestamp(t *testing.T) {
	a := newTestAuth(t, "secret")
	err := a.ValidateRequest("sig", "not-a-number", "body")
	assert.Error(t, err)
}

func TestAuthorizeGrantsWildcardPermission(t *testing.T) {
	a := newTestAuth(t, "secret")
	err := a.Authorize("ops", PermissionKillSwitch)
	assert.NoError(t, err)
}

func TestAuthorizeGrantsExactPermission(t *testing.T) {
	a := newTestAuth(t, "secret")
	err := a.Authorize("readonly", PermissionViewStatus)
	assert.NoError(t, err)
}

func TestAuthorizeDeniesMissingPermission(t *testing.T) {
	a := newTestAuth(t, "secret")
	err := a.Authorize("readonly", PermissionKillSwitch)
	assert.Error(t, err)
}

func TestAuthorizeDeniesUnknownCaller(t *testing.T) {
	a := newTestAuth(t, "secret")
	err := a.Authorize("nobody", PermissionViewStatus)
	assert.Error(t, err)
}
