// Package lending implements borrow, return and wallet top-up as single
// transactions over the inventory, wallet and loan stores.
//
// Every operation locks the user and, where one is involved, the book for its
// whole duration, then validates all preconditions and applies all effects in
// one database transaction. Guarded updates in the stores catch writers from
// other processes; those conflicts roll the transaction back and are retried a
// bounded number of times before surfacing as the matching rejection.
package lending

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"library_lending/pkg/models"
	"library_lending/pkg/storage"
)

const tracerName = "library_lending/lending"

type Engine struct {
	db        *gorm.DB
	inventory *storage.InventoryStore
	wallet    *storage.WalletLedger
	loans     *storage.LoanRegistry
	locks     *KeyLocker

	clock  clockwork.Clock
	policy Policy
	retry  retryConfig
	logger *zap.Logger
	tracer trace.Tracer
}

type Option func(*Engine) error

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) error {
		e.clock = clock
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) error {
		e.tracer = tracer
		return nil
	}
}

func WithPolicy(policy Policy) Option {
	return func(e *Engine) error {
		e.policy = policy
		return nil
	}
}

// WithMaxAttempts bounds how often a transaction that lost a race is re-run.
func WithMaxAttempts(attempts int) Option {
	return func(e *Engine) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		e.retry.maxAttempts = attempts
		return nil
	}
}

// WithBaseDelay sets the first backoff delay; later delays double it.
func WithBaseDelay(delay time.Duration) Option {
	return func(e *Engine) error {
		if delay < 0 {
			return ErrNegativeBaseDelay
		}
		e.retry.baseDelay = delay
		return nil
	}
}

func WithJitterFactor(factor float64) Option {
	return func(e *Engine) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}
		e.retry.jitterFactor = factor
		return nil
	}
}

func New(db *gorm.DB, options ...Option) (*Engine, error) {
	e := &Engine{
		db:        db,
		inventory: storage.NewInventoryStore(db),
		wallet:    storage.NewWalletLedger(db),
		loans:     storage.NewLoanRegistry(db),
		locks:     NewKeyLocker(),
		clock:     clockwork.NewRealClock(),
		policy:    DefaultPolicy(),
		retry:     defaultRetryConfig(),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Borrow lends one copy of the book to the user and charges the borrow fee.
func (e *Engine) Borrow(ctx context.Context, userID, bookID string) (snapshot models.UserSnapshot, err error) {
	const op = "borrow"
	ctx, span := e.start(ctx, op, userID, bookID)
	defer func() { e.finish(span, op, err, zap.String("user_id", userID), zap.String("book_id", bookID)) }()

	if err := validateIDs(op, userID, bookID); err != nil {
		return snapshot, err
	}

	unlock := e.locks.Lock(userKey(userID), bookKey(bookID))
	defer unlock()

	_, err = retryOnConflict(ctx, e.retry, func(ctx context.Context) error {
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return e.borrow(ctx, tx, userID, bookID)
		})
	})
	if err != nil {
		return snapshot, settle(op, err)
	}
	return e.snapshot(ctx, userID)
}

func (e *Engine) borrow(ctx context.Context, tx *gorm.DB, userID, bookID string) error {
	const op = "borrow"
	wallet, inventory, loans := e.wallet.WithTx(tx), e.inventory.WithTx(tx), e.loans.WithTx(tx)

	user, err := wallet.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return newError(ErrNotFound, op, "User not found")
	}
	if err != nil {
		return err
	}

	book, err := inventory.Get(ctx, bookID)
	if errors.Is(err, storage.ErrNotFound) {
		return newError(ErrNotFound, op, "Book not found")
	}
	if err != nil {
		return err
	}

	active, err := loans.Active(ctx, userID)
	if err != nil {
		return err
	}
	if len(active) >= e.policy.MaxActiveLoans {
		return newError(ErrBorrowLimitExceeded, op, fmt.Sprintf("Cannot borrow more than %d books", e.policy.MaxActiveLoans))
	}
	for _, loan := range active {
		if loan.BookID == bookID {
			return newError(ErrDuplicateActiveLoan, op, "Cannot borrow multiple copies of the same book")
		}
	}
	if book.AvailableCopies <= 0 {
		return newError(ErrBookUnavailable, op, "Book not available")
	}
	if user.WalletBalance.LessThan(e.policy.BorrowFee) {
		return newError(ErrInsufficientFunds, op, "Insufficient wallet balance")
	}

	loan := models.Loan{
		ID:         newID(),
		UserID:     userID,
		BookID:     bookID,
		BorrowDate: e.clock.Now().UTC(),
		LateFee:    decimal.Zero,
	}
	if err := loans.Open(ctx, &loan); err != nil {
		return err
	}
	if err := inventory.Reserve(ctx, bookID); err != nil {
		return err
	}
	if _, err := wallet.Debit(ctx, user, e.policy.BorrowFee); err != nil {
		return err
	}
	return nil
}

type returnOutcome struct {
	lateFee   decimal.Decimal
	shortfall decimal.Decimal
	price     decimal.Decimal
}

// Return closes the user's active loan on the book, charges any late fee and
// puts the copy back. A fee the wallet cannot cover leaves the balance at zero;
// the return itself is never refused over money.
func (e *Engine) Return(ctx context.Context, userID, bookID string) (snapshot models.UserSnapshot, err error) {
	const op = "return"
	ctx, span := e.start(ctx, op, userID, bookID)
	defer func() { e.finish(span, op, err, zap.String("user_id", userID), zap.String("book_id", bookID)) }()

	if err := validateIDs(op, userID, bookID); err != nil {
		return snapshot, err
	}

	unlock := e.locks.Lock(userKey(userID), bookKey(bookID))
	defer unlock()

	var outcome returnOutcome
	_, err = retryOnConflict(ctx, e.retry, func(ctx context.Context) error {
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			outcome, txErr = e.returnBook(ctx, tx, userID, bookID)
			return txErr
		})
	})
	if err != nil {
		return snapshot, settle(op, err)
	}

	span.SetAttributes(attribute.String("loan.late_fee", outcome.lateFee.String()))
	if outcome.shortfall.IsPositive() {
		e.logger.Warn("Late fee exceeded wallet balance, balance clamped to zero",
			zap.String("user_id", userID),
			zap.String("book_id", bookID),
			zap.String("late_fee", outcome.lateFee.String()),
			zap.String("shortfall", outcome.shortfall.String()),
		)
	}
	if outcome.lateFee.GreaterThanOrEqual(outcome.price) {
		e.logger.Warn("Late fee reached book price",
			zap.String("user_id", userID),
			zap.String("book_id", bookID),
			zap.String("late_fee", outcome.lateFee.String()),
			zap.String("price", outcome.price.String()),
		)
	}
	return e.snapshot(ctx, userID)
}

func (e *Engine) returnBook(ctx context.Context, tx *gorm.DB, userID, bookID string) (returnOutcome, error) {
	const op = "return"
	wallet, inventory, loans := e.wallet.WithTx(tx), e.inventory.WithTx(tx), e.loans.WithTx(tx)

	user, err := wallet.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return returnOutcome{}, newError(ErrNotFound, op, "User not found")
	}
	if err != nil {
		return returnOutcome{}, err
	}

	loan, err := loans.ActiveFor(ctx, userID, bookID)
	if errors.Is(err, storage.ErrNotFound) {
		return returnOutcome{}, newError(ErrNotFound, op, "Book not borrowed")
	}
	if err != nil {
		return returnOutcome{}, err
	}

	book, err := inventory.Get(ctx, bookID)
	if errors.Is(err, storage.ErrNotFound) {
		return returnOutcome{}, newError(ErrNotFound, op, "Book not found")
	}
	if err != nil {
		return returnOutcome{}, err
	}

	now := e.clock.Now().UTC()
	fee := e.policy.LateFee(loan.BorrowDate, now)

	if err := loans.Close(ctx, loan.ID, now, fee); err != nil {
		return returnOutcome{}, err
	}
	_, shortfall, err := wallet.DebitFloor(ctx, user, fee)
	if err != nil {
		return returnOutcome{}, err
	}
	if err := inventory.Release(ctx, bookID); err != nil {
		return returnOutcome{}, err
	}

	return returnOutcome{lateFee: fee, shortfall: shortfall, price: book.Price}, nil
}

// TopUpWallet credits amount to the user's wallet.
func (e *Engine) TopUpWallet(ctx context.Context, userID string, amount decimal.Decimal) (snapshot models.UserSnapshot, err error) {
	const op = "topup"
	ctx, span := e.start(ctx, op, userID, "")
	defer func() {
		e.finish(span, op, err, zap.String("user_id", userID), zap.String("amount", amount.String()))
	}()

	if amount.IsNegative() {
		return snapshot, newError(ErrInvalidAmount, op, "Amount must be a non-negative number")
	}
	if err := validateIDs(op, userID, ""); err != nil {
		return snapshot, err
	}

	unlock := e.locks.Lock(userKey(userID))
	defer unlock()

	_, err = retryOnConflict(ctx, e.retry, func(ctx context.Context) error {
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			wallet := e.wallet.WithTx(tx)
			user, err := wallet.Get(ctx, userID)
			if errors.Is(err, storage.ErrNotFound) {
				return newError(ErrNotFound, op, "User not found")
			}
			if err != nil {
				return err
			}
			_, err = wallet.Credit(ctx, user, amount)
			return err
		})
	})
	if err != nil {
		return snapshot, settle(op, err)
	}
	return e.snapshot(ctx, userID)
}

// GetUser returns the user with the full loan history in borrow order.
func (e *Engine) GetUser(ctx context.Context, userID string) (models.UserSnapshot, error) {
	if err := validateIDs("get user", userID, ""); err != nil {
		return models.UserSnapshot{}, err
	}
	return e.snapshot(ctx, userID)
}

func (e *Engine) snapshot(ctx context.Context, userID string) (models.UserSnapshot, error) {
	user, err := e.wallet.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.UserSnapshot{}, newError(ErrNotFound, "get user", "User not found")
	}
	if err != nil {
		return models.UserSnapshot{}, fmt.Errorf("load user: %w", err)
	}

	loans, err := e.loans.History(ctx, userID)
	if err != nil {
		return models.UserSnapshot{}, fmt.Errorf("load loans: %w", err)
	}

	return models.UserSnapshot{
		ID:            user.ID,
		Username:      user.Username,
		Email:         user.Email,
		WalletBalance: user.WalletBalance,
		Loans:         loans,
	}, nil
}

// AmountFromFloat converts a caller-supplied amount, rejecting NaN and infinities.
func AmountFromFloat(amount float64) (decimal.Decimal, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return decimal.Zero, newError(ErrInvalidAmount, "topup", "Amount must be a finite number")
	}
	return decimal.NewFromFloat(amount), nil
}

// settle turns what is left after retries into the error the caller sees.
// A conflict that outlived every retry is reported as the rejection a single
// atomic check would have produced.
func settle(op string, err error) error {
	var lendingErr *Error
	switch {
	case errors.As(err, &lendingErr):
		return lendingErr
	case errors.Is(err, storage.ErrInventoryConflict):
		return &Error{Kind: ErrBookUnavailable, Op: op, Message: "Book not available", Err: err}
	case errors.Is(err, storage.ErrWalletConflict) && op == "borrow":
		return &Error{Kind: ErrInsufficientFunds, Op: op, Message: "Insufficient wallet balance", Err: err}
	case errors.Is(err, storage.ErrInsufficientBalance):
		return &Error{Kind: ErrInsufficientFunds, Op: op, Message: "Insufficient wallet balance", Err: err}
	case errors.Is(err, storage.ErrLoanConflict):
		return &Error{Kind: ErrNotFound, Op: op, Message: "Book not borrowed", Err: err}
	case errors.Is(err, storage.ErrDuplicateLoan):
		return &Error{Kind: ErrDuplicateActiveLoan, Op: op, Message: "Cannot borrow multiple copies of the same book", Err: err}
	case errors.Is(err, storage.ErrConflict):
		return &Error{Kind: ErrConcurrencyConflict, Op: op, Message: "Concurrent update, please retry", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (e *Engine) start(ctx context.Context, op, userID, bookID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("user.id", userID)}
	if bookID != "" {
		attrs = append(attrs, attribute.String("book.id", bookID))
	}
	return e.tracer.Start(ctx, "lending."+op, trace.WithAttributes(attrs...))
}

func (e *Engine) finish(span trace.Span, op string, err error, fields ...zap.Field) {
	defer span.End()
	fields = append(fields, zap.String("op", op))

	if err == nil {
		span.SetStatus(codes.Ok, "")
		e.logger.Info("Lending transaction committed", fields...)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var lendingErr *Error
	if errors.As(err, &lendingErr) {
		e.logger.Warn("Lending transaction rejected", append(fields, zap.String("reason", lendingErr.Message))...)
		return
	}
	e.logger.Error("Lending transaction failed", append(fields, zap.Error(err))...)
}

func validateIDs(op, userID, bookID string) error {
	if uuid.Validate(userID) != nil {
		return newError(ErrNotFound, op, "User not found")
	}
	if bookID != "" {
		return validateBookID(op, bookID)
	}
	return nil
}

func validateBookID(op, bookID string) error {
	if uuid.Validate(bookID) != nil {
		return newError(ErrNotFound, op, "Book not found")
	}
	return nil
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
