package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/email"
)

// ProtectedSender wraps an email.Sender with a Breaker. When the mail
// transport keeps failing the circuit opens and the dispatcher gets
// ErrCircuitOpen immediately, which it records as an ordinary send failure.
type ProtectedSender struct {
	sender  email.Sender
	breaker *Breaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender email.Sender, breaker *Breaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send delivers msg through the breaker.
func (p *ProtectedSender) Send(ctx context.Context, msg email.Message) error {
	err := p.breaker.Execute(func() error {
		return p.sender.Send(ctx, msg)
	})
	if err != nil {
		p.logger.Debug("protected send failed",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.State().String()),
			zap.Error(err),
		)
	}
	return err
}

// Name delegates to the underlying sender.
func (p *ProtectedSender) Name() string {
	return p.sender.Name()
}

// Breaker returns the underlying circuit breaker for health output.
func (p *ProtectedSender) Breaker() *Breaker {
	return p.breaker
}
