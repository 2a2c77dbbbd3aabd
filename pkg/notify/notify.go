// Package notify delivers reminder messages to borrowers.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"library_lending/pkg/circuitbreaker"
)

// Dispatcher sends one message to one recipient.
type Dispatcher interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// Message is the payload published for every reminder.
type Message struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sentAt"`
}

// LogDispatcher only logs messages. Used when no broker is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(_ context.Context, recipient, subject, body string) error {
	d.logger.Info("Reminder dispatched",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}

// Breaker stops calling a failing dispatcher until its circuit breaker lets
// a probe through again.
type Breaker struct {
	next    Dispatcher
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewBreaker(next Dispatcher, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Breaker {
	return &Breaker{next: next, breaker: breaker, logger: logger}
}

func (b *Breaker) Send(ctx context.Context, recipient, subject, body string) error {
	err := b.breaker.Execute(func() error {
		return b.next.Send(ctx, recipient, subject, body)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		b.logger.Warn("Reminder dropped, dispatcher circuit open", zap.String("recipient", recipient))
	}
	return err
}
