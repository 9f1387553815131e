// Package notify delivers outbound email.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// Message is a single plain-text email.
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
	// Tags are passed to the provider for filtering and analytics.
	Tags map[string]string
}

// Mailer sends email. Implementations return the provider message id.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ErrNoRecipient is returned for a message without To.
var ErrNoRecipient = errors.New("email has no recipient")

// LogMailer writes messages to a logger instead of sending them. It is the
// default when no provider key is configured.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer returns a LogMailer; a nil logger means slog.Default().
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) (string, error) {
	if msg.To == "" {
		return "", ErrNoRecipient
	}
	id := "log-" + uuid.NewString()
	m.logger.InfoContext(ctx, "email_logged",
		slog.String("email_id", id),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.Int("body_len", len(msg.Text)),
	)
	return id, nil
}
