package email

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsmolarz/marketctl/internal/config"
)

func TestSendIsNoOpWhenDisabled(t *testing.T) {
	s := NewSMTPSender(config.EmailConfig{Enabled: false})
	err := s.Send(context.Background(), []string{"ops@example.com"}, "subject", "body", "")
	assert.NoError(t, err)
}

func TestSendRejectsEmptyRecipientList(t *testing.T) {
	s := NewSMTPSender(config.EmailConfig{Enabled: true, From: "noreply@example.com"})
	err := s.Send(context.Background(), nil, "subject", "body", "")
	require.Error(t, err)
}

func TestBuildMessagePlainText(t *testing.T) {
	msg := string(buildMessage("from@example.com", []string{"a@example.com", "b@example.com"}, "Subj", "hello", ""))
	assert.True(t, strings.Contains(msg, "From: from@example.com"))
	assert.True(t, strings.Contains(msg, "To: a@example.com, b@example.com"))
	assert.True(t, strings.Contains(msg, "Subject: Subj"))
	assert.True(t, strings.Contains(msg, "text/plain"))
	assert.True(t, strings.HasSuffix(msg, "hello"))
}

func TestBuildMessageHTML(t *testing.T) {
	msg := string(buildMessage("from@example.com", []string{"a@example.com"}, "Subj", "ignored", "<b>hi</b>"))
	assert.True(t, strings.Contains(msg, "text/html"))
	assert.True(t, strings.HasSuffix(msg, "<b>hi</b>"))
}
