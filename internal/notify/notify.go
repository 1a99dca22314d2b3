// Package notify delivers operational alerts, such as a user registering a
// second wallet, to the provider's administrators.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/getsentry/sentry-go"
)

// Notifier sends one alert to one recipient.
type Notifier interface {
	Notify(ctx context.Context, subject, recipient, body string) error
}

// Log writes alerts to the service log.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log notifier; nil uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, subject, recipient, body string) error {
	l.logger.WarnContext(ctx, "notification", "subject", subject, "recipient", recipient, "body", body)
	return nil
}

// Sentry raises alerts as Sentry messages so they reach whoever is on call.
type Sentry struct {
	level sentry.Level
}

// NewSentry creates a Sentry notifier reporting at warning level.
func NewSentry() *Sentry {
	return &Sentry{level: sentry.LevelWarning}
}

// Notify captures the alert on the request hub when there is one, otherwise
// on the current hub. It fails when no Sentry client is configured.
func (s *Sentry) Notify(ctx context.Context, subject, recipient, body string) error {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	if hub.Client() == nil {
		return errors.New("notify: sentry client not configured")
	}

	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(s.level)
		scope.SetTag("notification.recipient", recipient)
		scope.SetExtra("body", body)
		hub.CaptureMessage(subject)
	})
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, subject, recipient, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, subject, recipient, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
