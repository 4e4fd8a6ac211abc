package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/db"
	"github.com/lalithlochan/bellhop/internal/push"
)

// ProtectedSender wraps a push.Sender with a CircuitBreaker.
// A gone subscription is an endpoint problem, not a service outage, so it
// does not count as a failure.
type ProtectedSender struct {
	sender  push.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps sender with breaker.
func NewProtectedSender(sender push.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send delivers through the breaker, failing fast with ErrCircuitOpen while
// it is open.
func (p *ProtectedSender) Send(ctx context.Context, sub *db.PushSubscription, msg push.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected push, failing fast",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("subscription_id", sub.ID.String()),
			zap.String("platform", sub.Platform),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, sub, msg)
	switch {
	case err == nil, errors.Is(err, push.ErrSubscriptionGone):
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
	}
	return err
}

// SupportsPlatform delegates to the underlying sender.
func (p *ProtectedSender) SupportsPlatform(platform string) bool {
	return p.sender.SupportsPlatform(platform)
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
