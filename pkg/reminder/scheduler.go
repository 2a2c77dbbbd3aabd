// Package reminder scans active loans on a fixed interval and sends
// due-date and overdue reminders. It only reads lending state.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"library_lending/pkg/lending"
	"library_lending/pkg/models"
	"library_lending/pkg/queue"
)

const (
	DefaultInterval   = 24 * time.Hour
	defaultMaxRetries = 3
)

var (
	ErrRunInProgress   = errors.New("reminder run already in progress")
	ErrAlreadyStarted  = errors.New("reminder scheduler already started")
	ErrInvalidInterval = errors.New("reminder interval must be positive")
)

type LoanSource interface {
	ActiveLoans(ctx context.Context) ([]models.ActiveLoan, error)
}

type Dispatcher interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// RunStats describes a single scan.
type RunStats struct {
	Scanned  int
	Upcoming int
	Overdue  int
	Retried  int
	Sent     int
	Failed   int
}

type Stats struct {
	Runs    int64
	Skipped int64
	LastRun time.Time
	Last    RunStats
}

type Scheduler struct {
	source     LoanSource
	dispatcher Dispatcher
	clock      clockwork.Clock
	interval   time.Duration
	policy     lending.Policy
	logger     *zap.Logger
	retries    *queue.Queue
	maxRetries int
	meter      metric.Meter

	sentCounter    metric.Int64Counter
	failureCounter metric.Int64Counter

	running atomic.Bool

	mu       sync.Mutex
	stats    Stats
	notified map[string]struct{} // loans whose due-date reminder is settled
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*Scheduler) error

func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) error {
		s.clock = clock
		return nil
	}
}

func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) error {
		if interval <= 0 {
			return ErrInvalidInterval
		}
		s.interval = interval
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) error {
		s.logger = logger
		return nil
	}
}

func WithPolicy(policy lending.Policy) Option {
	return func(s *Scheduler) error {
		s.policy = policy
		return nil
	}
}

// WithRetryQueue keeps failed due-date reminders for the next run.
func WithRetryQueue(retries *queue.Queue, maxRetries int) Option {
	return func(s *Scheduler) error {
		s.retries = retries
		s.maxRetries = maxRetries
		return nil
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(s *Scheduler) error {
		s.meter = meter
		return nil
	}
}

func New(source LoanSource, dispatcher Dispatcher, options ...Option) (*Scheduler, error) {
	s := &Scheduler{
		source:     source,
		dispatcher: dispatcher,
		clock:      clockwork.NewRealClock(),
		interval:   DefaultInterval,
		policy:     lending.DefaultPolicy(),
		logger:     zap.NewNop(),
		retries:    queue.NewQueue(),
		maxRetries: defaultMaxRetries,
		meter:      otel.Meter("library_lending/reminder"),
		notified:   make(map[string]struct{}),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	var err error
	s.sentCounter, err = s.meter.Int64Counter("reminder.dispatch.sent",
		metric.WithDescription("Reminders handed to the dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("create sent counter: %w", err)
	}
	s.failureCounter, err = s.meter.Int64Counter("reminder.dispatch.failures",
		metric.WithDescription("Reminders the dispatcher failed to deliver"))
	if err != nil {
		return nil, fmt.Errorf("create failure counter: %w", err)
	}
	return s, nil
}

// Start runs a scan every interval until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	ticker := s.clock.NewTicker(s.interval)
	s.wg.Add(1)
	go s.loop(ctx, ticker)

	s.logger.Info("Reminder scheduler started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker clockwork.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.tick(ctx)
			}()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	// A started run always finishes, even when Stop is called meanwhile.
	_, err := s.RunOnce(context.WithoutCancel(ctx))
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Warn("Reminder run skipped, previous run still in progress")
	case err != nil:
		s.logger.Error("Reminder run failed", zap.Error(err))
	}
}

// Stop ends the ticker loop and waits for an in-flight run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("Reminder scheduler stopped")
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RunOnce performs one scan. It fails only when the active loans cannot be
// listed; a reminder that cannot be delivered is logged and counted.
func (s *Scheduler) RunOnce(ctx context.Context) (RunStats, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		return RunStats{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	now := s.clock.Now()
	var stats RunStats

	loans, err := s.source.ActiveLoans(ctx)
	if err != nil {
		return stats, fmt.Errorf("list active loans: %w", err)
	}

	active := make(map[string]models.ActiveLoan, len(loans))
	for _, loan := range loans {
		active[loan.LoanID] = loan
	}
	s.forgetReturned(active)
	retried := s.resendQueued(ctx, now, active, &stats)

	for _, loan := range loans {
		stats.Scanned++
		c := Classify(loan.BorrowDate, now, s.policy.LoanPeriod)

		switch c.Kind {
		case KindUpcoming:
			if _, ok := retried[loan.LoanID]; ok || s.wasNotified(loan.LoanID) {
				continue
			}
			stats.Upcoming++
			subject, body := render(loan, c, "")
			if err := s.send(ctx, loan, c.Kind, subject, body, &stats); err != nil {
				s.enqueueRetry(loan, now)
				continue
			}
			s.markNotified(loan.LoanID)
		case KindOverdue:
			stats.Overdue++
			accrued := s.policy.LateFee(loan.BorrowDate, now).StringFixed(2)
			subject, body := render(loan, c, accrued)
			_ = s.send(ctx, loan, c.Kind, subject, body, &stats)
		}
	}

	s.mu.Lock()
	s.stats.Runs++
	s.stats.LastRun = now
	s.stats.Last = stats
	s.mu.Unlock()

	s.logger.Info("Reminder run finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("upcoming", stats.Upcoming),
		zap.Int("overdue", stats.Overdue),
		zap.Int("retried", stats.Retried),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

func (s *Scheduler) send(ctx context.Context, loan models.ActiveLoan, kind Kind, subject, body string, stats *RunStats) error {
	attrs := metric.WithAttributes(attribute.String("reminder.kind", kind.String()))

	if err := s.dispatcher.Send(ctx, loan.Email, subject, body); err != nil {
		stats.Failed++
		s.failureCounter.Add(ctx, 1, attrs)
		s.logger.Error("Failed to send reminder",
			zap.Error(err),
			zap.String("kind", kind.String()),
			zap.String("loan_id", loan.LoanID),
			zap.String("recipient", loan.Email),
		)
		return err
	}
	stats.Sent++
	s.sentCounter.Add(ctx, 1, attrs)
	return nil
}

// resendQueued retries earlier failed due-date reminders for loans that are
// still active and returns the loans it handled. The message is rendered
// again for the current time; a loan that has left the due-soon window since
// the failure gets no reminder at all.
func (s *Scheduler) resendQueued(ctx context.Context, now time.Time, active map[string]models.ActiveLoan, stats *RunStats) map[string]struct{} {
	handled := make(map[string]struct{})
	for _, n := range s.retries.DequeueDue(now) {
		loan, ok := active[n.LoanID]
		if !ok {
			continue
		}
		handled[n.LoanID] = struct{}{}

		c := Classify(loan.BorrowDate, now, s.policy.LoanPeriod)
		if c.Kind != KindUpcoming {
			s.logger.Info("Dropping reminder retry, loan left the due-soon window",
				zap.String("loan_id", n.LoanID),
				zap.String("kind", c.Kind.String()),
			)
			s.markNotified(n.LoanID)
			continue
		}

		stats.Retried++
		subject, body := render(loan, c, "")
		if err := s.send(ctx, loan, KindUpcoming, subject, body, stats); err != nil {
			n.RetryCount++
			if n.Exhausted() {
				s.logger.Warn("Giving up on reminder", zap.String("loan_id", n.LoanID), zap.Int("attempts", n.RetryCount+1))
				s.markNotified(n.LoanID)
				continue
			}
			n.RetryAt = now
			s.retries.Enqueue(n)
			continue
		}
		s.markNotified(n.LoanID)
	}
	return handled
}

func (s *Scheduler) enqueueRetry(loan models.ActiveLoan, now time.Time) {
	if s.maxRetries <= 0 {
		return
	}
	s.retries.Enqueue(&queue.Notification{
		ID:         loan.LoanID + ":" + KindUpcoming.String(),
		LoanID:     loan.LoanID,
		Kind:       KindUpcoming.String(),
		Recipient:  loan.Email,
		RetryAt:    now,
		MaxRetries: s.maxRetries,
	})
}

func (s *Scheduler) wasNotified(loanID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.notified[loanID]
	return ok
}

func (s *Scheduler) markNotified(loanID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified[loanID] = struct{}{}
}

func (s *Scheduler) forgetReturned(active map[string]models.ActiveLoan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for loanID := range s.notified {
		if _, ok := active[loanID]; !ok {
			delete(s.notified, loanID)
		}
	}
}
