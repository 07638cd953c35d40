// Package email renders and delivers the messages marquee sends.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Message is one rendered email to one address.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Validate checks the fields every transport needs.
func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.To) == "":
		return errors.New("email missing recipient")
	case m.Subject == "":
		return errors.New("email missing subject")
	case m.HTML == "":
		return errors.New("email missing body")
	}
	return nil
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// LogSender logs instead of sending (EMAIL_PROVIDER=log).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.logger.Info("email sent (log provider)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.HTML)),
	)
	return nil
}

func (s *LogSender) Name() string { return "log" }

// FailoverSender tries each sender in order and stops at the first success.
type FailoverSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewFailoverSender creates a sender that falls back through senders.
func NewFailoverSender(logger *zap.Logger, senders ...Sender) *FailoverSender {
	return &FailoverSender{
		senders: senders,
		logger:  logger,
	}
}

// Send returns nil on the first successful delivery, or every error joined.
func (f *FailoverSender) Send(ctx context.Context, msg Message) error {
	if len(f.senders) == 0 {
		return errors.New("no email senders configured")
	}

	var errs []error
	for _, s := range f.senders {
		err := s.Send(ctx, msg)
		if err == nil {
			return nil
		}
		f.logger.Warn("email sender failed, trying next",
			zap.String("sender", s.Name()),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return errors.Join(errs...)
}

func (f *FailoverSender) Name() string {
	names := make([]string, len(f.senders))
	for i, s := range f.senders {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}
