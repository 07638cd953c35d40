// Package alerts delivers operational alerts to the administrator: always by
// email, and to an SNS topic when one is configured.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/email"
)

// Kinds published as the SNS "kind" attribute.
const (
	KindStuck = "stuck_download"
	KindFixed = "auto_fix"
)

type Alerter struct {
	sender    email.Sender
	renderer  *email.Renderer
	recipient string
	publisher *Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// New builds an alerter. publisher may be nil.
func New(sender email.Sender, renderer *email.Renderer, recipient string, publisher *Publisher, logger *zap.Logger) *Alerter {
	return &Alerter{
		sender:    sender,
		renderer:  renderer,
		recipient: recipient,
		publisher: publisher,
		logger:    logger.Named("alerts"),
		now:       time.Now,
	}
}

// Alert sends one download queue alert directly, bypassing the notification queue.
func (a *Alerter) Alert(ctx context.Context, d email.AlertData) error {
	subject, body, err := a.renderer.AdminAlert(d)
	if err != nil {
		return err
	}

	var errs []error
	if a.recipient == "" {
		errs = append(errs, errors.New("no admin recipient configured"))
	} else if err := a.sender.Send(ctx, email.Message{To: a.recipient, Subject: subject, HTML: body}); err != nil {
		errs = append(errs, fmt.Errorf("email admin alert: %w", err))
	}

	if a.publisher != nil {
		id, err := a.publisher.Publish(ctx, a.message(subject, d))
		if err != nil {
			errs = append(errs, err)
		} else {
			a.logger.Debug("alert published", zap.String("message_id", id))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("admin alert sent",
		zap.String("subject", subject),
		zap.Int("stuck", len(d.Stuck)),
		zap.Int("fixed", len(d.Fixed)),
	)
	return nil
}

func (a *Alerter) message(subject string, d email.AlertData) Message {
	msg := Message{Kind: KindStuck, Subject: subject, SentAt: a.now().UTC()}
	if len(d.Stuck) == 0 {
		msg.Kind = KindFixed
	}
	for _, s := range d.Stuck {
		msg.Stuck = append(msg.Stuck, fmt.Sprintf("%s: %s (%s, %s)", s.Service, s.Title, s.Kind, s.Since()))
	}
	for _, f := range d.Fixed {
		msg.Fixed = append(msg.Fixed, fmt.Sprintf("%s: %s (%s)", f.Service, f.Title, f.Action))
	}
	return msg
}
