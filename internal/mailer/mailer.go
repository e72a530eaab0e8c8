// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

// Package mailer delivers password-reset links.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	htmltemplate "html/template"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/go-mail/mail"
	"github.com/samber/oops"

	"github.com/rollcall/rollcall/internal/config"
	"github.com/rollcall/rollcall/internal/signin"
)

const resetSubject = "Reset your Rollcall password"

var resetText = template.Must(template.New("reset.txt").Parse(`Hello {{.Username}},

Someone asked to reset the Rollcall password for this address.
Open the link below before {{.Expires}} to choose a new password:

{{.Link}}

If this wasn't you, ignore this message. Your password has not changed.
`))

var resetHTML = htmltemplate.Must(htmltemplate.New("reset.html").Parse(`<p>Hello {{.Username}},</p>
<p>Someone asked to reset the Rollcall password for this address.
Open the link below before {{.Expires}} to choose a new password:</p>
<p><a href="{{.Link}}">Reset password</a></p>
<p>If this wasn't you, ignore this message. Your password has not changed.</p>
`))

type resetView struct {
	Username string
	Link     string
	Expires  string
}

// Sender delivers prepared messages. *mail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// SMTPNotifier mails reset links.
type SMTPNotifier struct {
	sender   Sender
	from     string
	resetURL string
	logger   *slog.Logger
}

// NewSMTPNotifier creates a notifier that sends through sender.
func NewSMTPNotifier(sender Sender, from, resetURL string, logger *slog.Logger) *SMTPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPNotifier{sender: sender, from: from, resetURL: resetURL, logger: logger}
}

// NewDialer builds the SMTP dialer for cfg. Port 465 uses implicit TLS;
// other ports negotiate STARTTLS.
func NewDialer(cfg config.SMTPConfig) *mail.Dialer {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	d.Timeout = 10 * time.Second
	if cfg.Port == 465 {
		d.SSL = true
	} else {
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}
	return d
}

// New returns the notifier cfg asks for: SMTP when a host is configured,
// otherwise a LogNotifier.
func New(cfg config.SMTPConfig, logger *slog.Logger) signin.Notifier {
	if !cfg.Enabled() {
		return NewLogNotifier(cfg.ResetURL, logger)
	}
	return NewSMTPNotifier(NewDialer(cfg), cfg.From, cfg.ResetURL, logger)
}

// NotifyPasswordReset mails the reset link to notice.Email.
func (n *SMTPNotifier) NotifyPasswordReset(ctx context.Context, notice signin.ResetNotice) error {
	if err := ctx.Err(); err != nil {
		return oops.Code("MAIL_CANCELLED").Wrap(err)
	}

	view := resetView{
		Username: notice.Username,
		Link:     ResetLink(n.resetURL, notice.Token),
		Expires:  notice.ExpiresAt.UTC().Format(time.RFC1123),
	}

	var text, html bytes.Buffer
	if err := resetText.Execute(&text, view); err != nil {
		return oops.Code("MAIL_RENDER_FAILED").Wrap(err)
	}
	if err := resetHTML.Execute(&html, view); err != nil {
		return oops.Code("MAIL_RENDER_FAILED").Wrap(err)
	}

	m := mail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", notice.Email)
	m.SetHeader("Subject", resetSubject)
	m.SetBody("text/plain", text.String())
	m.AddAlternative("text/html", html.String())

	if err := n.sender.DialAndSend(m); err != nil {
		return oops.Code("MAIL_SEND_FAILED").With("to", notice.Email).Wrap(err)
	}

	n.logger.InfoContext(ctx, "password reset mail sent", "username", notice.Username)
	return nil
}

// LogNotifier writes reset links to the log instead of mailing them. It is
// meant for development setups without SMTP.
type LogNotifier struct {
	resetURL string
	logger   *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(resetURL string, logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{resetURL: resetURL, logger: logger}
}

// NotifyPasswordReset logs the reset link.
func (n *LogNotifier) NotifyPasswordReset(ctx context.Context, notice signin.ResetNotice) error {
	n.logger.WarnContext(ctx, "smtp not configured, logging password reset link",
		"username", notice.Username,
		"email", notice.Email,
		"link", ResetLink(n.resetURL, notice.Token),
		"expires_at", notice.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}

// ResetLink substitutes token into the link template. An empty template
// yields the bare token.
func ResetLink(tmpl, token string) string {
	if tmpl == "" {
		return token
	}
	return strings.ReplaceAll(tmpl, "{token}", token)
}
