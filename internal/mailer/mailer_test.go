// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

package mailer_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/go-mail/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall/rollcall/internal/config"
	"github.com/rollcall/rollcall/internal/mailer"
	"github.com/rollcall/rollcall/internal/signin"
	"github.com/rollcall/rollcall/pkg/errutil"
)

type fakeSender struct {
	sent []*mail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*mail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func notice() signin.ResetNotice {
	return signin.ResetNotice{
		Email:     "coach@club.test",
		Username:  "coach",
		Token:     "tok123",
		ExpiresAt: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestSMTPNotifier_SendsLink(t *testing.T) {
	sender := &fakeSender{}
	n := mailer.NewSMTPNotifier(sender, "office@club.test", "https://club.test/reset/{token}", nil)

	require.NoError(t, n.NotifyPasswordReset(context.Background(), notice()))
	require.Len(t, sender.sent, 1)

	m := sender.sent[0]
	assert.Equal(t, []string{"coach@club.test"}, m.GetHeader("To"))
	assert.Equal(t, []string{"office@club.test"}, m.GetHeader("From"))

	var raw bytes.Buffer
	_, err := m.WriteTo(&raw)
	require.NoError(t, err)
	assert.Contains(t, raw.String(), "https://club.test/reset/tok123")
	assert.Contains(t, raw.String(), "text/html")
}

func TestSMTPNotifier_SendFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("421 service not available")}
	n := mailer.NewSMTPNotifier(sender, "office@club.test", "{token}", nil)

	err := n.NotifyPasswordReset(context.Background(), notice())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MAIL_SEND_FAILED")
}

func TestSMTPNotifier_CancelledContext(t *testing.T) {
	sender := &fakeSender{}
	n := mailer.NewSMTPNotifier(sender, "office@club.test", "{token}", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := n.NotifyPasswordReset(ctx, notice())
	errutil.AssertErrorCode(t, err, "MAIL_CANCELLED")
	assert.Empty(t, sender.sent)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	n := mailer.NewLogNotifier("https://club.test/r/{token}", logger)

	require.NoError(t, n.NotifyPasswordReset(context.Background(), notice()))
	assert.Contains(t, buf.String(), "https://club.test/r/tok123")
	assert.Contains(t, buf.String(), `"username":"coach"`)
}

func TestNew_PicksNotifier(t *testing.T) {
	_, ok := mailer.New(config.SMTPConfig{}, nil).(*mailer.LogNotifier)
	assert.True(t, ok)

	_, ok = mailer.New(config.SMTPConfig{Host: "mail.club.test", Port: 587, From: "a@b"}, nil).(*mailer.SMTPNotifier)
	assert.True(t, ok)
}

func TestNewDialer(t *testing.T) {
	d := mailer.NewDialer(config.SMTPConfig{Host: "mail.club.test", Port: 465})
	assert.True(t, d.SSL)

	d = mailer.NewDialer(config.SMTPConfig{Host: "mail.club.test", Port: 587})
	assert.False(t, d.SSL)
	assert.Equal(t, mail.MandatoryStartTLS, d.StartTLSPolicy)
	assert.Equal(t, "mail.club.test", d.TLSConfig.ServerName)
}

func TestResetLink(t *testing.T) {
	assert.Equal(t, "abc", mailer.ResetLink("", "abc"))
	assert.Equal(t, "https://x/abc", mailer.ResetLink("https://x/{token}", "abc"))
}
