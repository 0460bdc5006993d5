// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package mail renders account emails and delivers them in the background.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"text/template"
	"time"

	"github.com/samber/oops"
)

// Message is one outgoing email.
type Message struct {
	Kind    string    `json:"kind"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Text    string    `json:"text"`
	Created time.Time `json:"created"`
}

// Mailer delivers a message. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// KindPasswordReset tags password reset messages.
const KindPasswordReset = "password_reset"

var resetTemplate = template.Must(template.New(KindPasswordReset).Parse(`Hello {{.Username}},

Someone asked to reset the password for your account. If it was you, open
the link below before {{.ExpiresAt.Format "2006-01-02 15:04 MST"}}:

{{.Link}}

If you did not ask for this, ignore this email. Your password is unchanged.
`))

// PasswordResetMessage renders the reset email for username.
func PasswordResetMessage(to, username, link string, expiresAt, now time.Time) (Message, error) {
	var buf bytes.Buffer
	err := resetTemplate.Execute(&buf, struct {
		Username  string
		Link      string
		ExpiresAt time.Time
	}{username, link, expiresAt.UTC()})
	if err != nil {
		return Message{}, oops.Code("MAIL_RENDER_FAILED").With("kind", KindPasswordReset).Wrap(err)
	}
	return Message{
		Kind:    KindPasswordReset,
		To:      to,
		Subject: "Reset your password",
		Text:    buf.String(),
		Created: now,
	}, nil
}

// LogMailer writes rendered messages to w for local development and logs
// their metadata. Message bodies carry live tokens and never reach the log.
type LogMailer struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

// NewLogMailer returns a LogMailer. A nil w discards bodies.
func NewLogMailer(w io.Writer, logger *slog.Logger) *LogMailer {
	if w == nil {
		w = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{w: w, logger: logger}
}

// Send writes msg and logs that it was sent.
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	_, err := fmt.Fprintf(m.w, "To: %s\nSubject: %s\n\n%s\n", msg.To, msg.Subject, msg.Text)
	m.mu.Unlock()
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").With("transport", "log").Wrap(err)
	}
	m.logger.InfoContext(ctx, "mail written", "kind", msg.Kind, "subject", msg.Subject)
	return nil
}
