package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/worker"
)

// ProtectedSender wraps a channel sender with a breaker.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send fails fast with ErrCircuitOpen while the breaker is open.
func (p *ProtectedSender) Send(ctx context.Context, d *worker.Delivery) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.sender.Send(ctx, d)
	})
	if err != nil && p.breaker.GetState() != StateClosed {
		p.logger.Warn("delivery rejected or failed behind circuit breaker",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("id", d.ID),
			zap.String("channel", d.Channel),
			zap.Error(err),
		)
	}
	return err
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
