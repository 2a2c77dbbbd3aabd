package lending

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"library_lending/pkg/database"
	"library_lending/pkg/models"
	"library_lending/pkg/storage"
)

var startTime = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func setupEngine(t *testing.T, options ...Option) (*Engine, *gorm.DB, *clockwork.FakeClock) {
	t.Helper()
	db := setupTestDB(t)
	clock := clockwork.NewFakeClockAt(startTime)
	engine, err := New(db, append([]Option{WithClock(clock), WithBaseDelay(0)}, options...)...)
	require.NoError(t, err)
	return engine, db, clock
}

func createBook(t *testing.T, db *gorm.DB, title string, copies int, price string) models.Book {
	t.Helper()
	book := models.Book{
		ID:              uuid.NewString(),
		Title:           title,
		Author:          "Author of " + title,
		Genre:           "Fiction",
		Price:           decimal.RequireFromString(price),
		AvailableCopies: copies,
	}
	require.NoError(t, db.Create(&book).Error)
	return book
}

func createUser(t *testing.T, db *gorm.DB, name string, balance string) models.User {
	t.Helper()
	user := models.User{
		ID:            uuid.NewString(),
		Username:      name,
		Email:         name + "@example.com",
		WalletBalance: decimal.RequireFromString(balance),
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func reloadBook(t *testing.T, db *gorm.DB, id string) models.Book {
	t.Helper()
	var book models.Book
	require.NoError(t, db.First(&book, "id = ?", id).Error)
	return book
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "expected %s, got %s", want, got)
}

func TestBorrowChargesFeeAndTakesCopy(t *testing.T) {
	engine, db, _ := setupEngine(t)
	ctx := context.Background()
	book := createBook(t, db, "Dune", 4, "9.50")
	user := createUser(t, db, "david", "3")

	snapshot, err := engine.Borrow(ctx, user.ID, book.ID)

	require.NoError(t, err)
	assertMoney(t, "0", snapshot.WalletBalance)
	require.Len(t, snapshot.Loans, 1)
	assert.Equal(t, book.ID, snapshot.Loans[0].BookID)
	assert.False(t, snapshot.Loans[0].IsReturned)
	assert.Nil(t, snapshot.Loans[0].ReturnDate)
	assert.True(t, startTime.Equal(snapshot.Loans[0].BorrowDate))
	assert.Equal(t, 3, reloadBook(t, db, book.ID).AvailableCopies)

	other := createBook(t, db, "Emma", 4, "5")
	_, err = engine.Borrow(ctx, user.ID, other.ID)

	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, "Insufficient wallet balance", Message(err))
	assert.Equal(t, 4, reloadBook(t, db, other.ID).AvailableCopies)
}

func TestBorrowPreconditionOrder(t *testing.T) {
	tests := []struct {
		name    string
		arrange func(t *testing.T, engine *Engine, db *gorm.DB) (userID, bookID string)
		kind    error
		message string
	}{
		{
			name: "unknown user wins over unknown book",
			arrange: func(t *testing.T, engine *Engine, db *gorm.DB) (string, string) {
				return uuid.NewString(), uuid.NewString()
			},
			kind:    ErrNotFound,
			message: "User not found",
		},
		{
			name: "malformed user id",
			arrange: func(t *testing.T, engine *Engine, db *gorm.DB) (string, string) {
				return "not-a-uuid", createBook(t, db, "Dune", 1, "5").ID
			},
			kind:    ErrNotFound,
			message: "User not found",
		},
		{
			name: "unknown book",
			arrange: func(t *testing.T, engine *Engine, db *gorm.DB) (string, string) {
				return createUser(t, db, "u", "10").ID, uuid.NewString()
			},
			kind:    ErrNotFound,
			message: "Book not found",
		},
		{
			name: "limit wins over duplicate and empty shelf",
			arrange: func(t *testing.T, engine *Engine, db *gorm.DB) (string, string) {
				user := createUser(t, db, "u", "0")
				var last models.Book
				for i := 0; i < 3; i++ {
					last = createBook(t, db, "Book", 1, "5")
					openLoan(t, db, user.ID, last.ID)
				}
				return user.ID, last.ID
			},
			kind:    ErrBorrowLimitExceeded,
			message: "Cannot borrow more than 3 books",
		},
		{
			name: "duplicate wins over empty shelf and funds",
			arrange: func(t *testing.T, engine *Engine, db *gorm.DB) (string, string) {
				user := createUser(t, db, "u", "0")
				book := createBook(t, db, "Dune", 0, "5")
				openLoan(t, db, user.ID, book.ID)
				return user.ID, book.ID
			},
			kind:    ErrDuplicateActiveLoan,
			message: "Cannot borrow multiple copies of the same book",
		},
		{
			name: "empty shelf wins over funds",
			arrange: func(t *testing.T, engine *Engine, db *gorm.DB) (string, string) {
				return createUser(t, db, "u", "0").ID, createBook(t, db, "Dune", 0, "5").ID
			},
			kind:    ErrBookUnavailable,
			message: "Book not available",
		},
		{
			name: "insufficient funds",
			arrange: func(t *testing.T, engine *Engine, db *gorm.DB) (string, string) {
				return createUser(t, db, "u", "2.99").ID, createBook(t, db, "Dune", 1, "5").ID
			},
			kind:    ErrInsufficientFunds,
			message: "Insufficient wallet balance",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, db, _ := setupEngine(t)
			userID, bookID := tt.arrange(t, engine, db)

			_, err := engine.Borrow(context.Background(), userID, bookID)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.message, Message(err))
		})
	}
}

func openLoan(t *testing.T, db *gorm.DB, userID, bookID string) {
	t.Helper()
	loan := models.Loan{ID: uuid.NewString(), UserID: userID, BookID: bookID, BorrowDate: startTime, LateFee: decimal.Zero}
	require.NoError(t, db.Create(&loan).Error)
}

func TestFailedBorrowLeavesNoTrace(t *testing.T) {
	engine, db, _ := setupEngine(t)
	ctx := context.Background()
	user := createUser(t, db, "john", "1")
	book := createBook(t, db, "Dune", 2, "5")

	_, err := engine.Borrow(ctx, user.ID, book.ID)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	snapshot, err := engine.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Loans)
	assertMoney(t, "1", snapshot.WalletBalance)
	assert.Equal(t, 2, reloadBook(t, db, book.ID).AvailableCopies)
}

func TestReturnChargesLateFeeAndClampsBalance(t *testing.T) {
	engine, db, clock := setupEngine(t)
	ctx := context.Background()
	user := createUser(t, db, "david", "4")
	book := createBook(t, db, "Dune", 1, "5.0")

	_, err := engine.Borrow(ctx, user.ID, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloadBook(t, db, book.ID).AvailableCopies)

	clock.Advance(20 * day)
	snapshot, err := engine.Return(ctx, user.ID, book.ID)

	require.NoError(t, err)
	assertMoney(t, "0", snapshot.WalletBalance)
	require.Len(t, snapshot.Loans, 1)
	loan := snapshot.Loans[0]
	assert.True(t, loan.IsReturned)
	require.NotNil(t, loan.ReturnDate)
	assert.True(t, startTime.Add(20*day).Equal(*loan.ReturnDate))
	assertMoney(t, "1.2", loan.LateFee)
	assert.Equal(t, 1, reloadBook(t, db, book.ID).AvailableCopies)
}

func TestReturnWithinLoanPeriodIsFree(t *testing.T) {
	engine, db, clock := setupEngine(t)
	ctx := context.Background()
	user := createUser(t, db, "david", "10")
	book := createBook(t, db, "Dune", 1, "5")

	_, err := engine.Borrow(ctx, user.ID, book.ID)
	require.NoError(t, err)

	clock.Advance(14 * day)
	snapshot, err := engine.Return(ctx, user.ID, book.ID)

	require.NoError(t, err)
	assertMoney(t, "7", snapshot.WalletBalance)
	assertMoney(t, "0", snapshot.Loans[0].LateFee)
}

func TestReturnFeeAbovePriceKeepsRemainingBalance(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	engine, db, clock := setupEngine(t, WithLogger(zap.New(core)))
	ctx := context.Background()
	user := createUser(t, db, "david", "20")
	book := createBook(t, db, "Cheap", 1, "1")

	_, err := engine.Borrow(ctx, user.ID, book.ID)
	require.NoError(t, err)

	clock.Advance(24 * day)
	snapshot, err := engine.Return(ctx, user.ID, book.ID)

	require.NoError(t, err)
	assertMoney(t, "15", snapshot.WalletBalance)
	assertMoney(t, "2", snapshot.Loans[0].LateFee)
	assert.Equal(t, 1, logs.FilterMessage("Late fee reached book price").Len())
}

func TestReturnErrors(t *testing.T) {
	engine, db, _ := setupEngine(t)
	ctx := context.Background()
	user := createUser(t, db, "david", "10")
	book := createBook(t, db, "Dune", 1, "5")

	_, err := engine.Return(ctx, user.ID, book.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "Book not borrowed", Message(err))

	_, err = engine.Return(ctx, uuid.NewString(), book.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "User not found", Message(err))

	_, err = engine.Borrow(ctx, user.ID, book.ID)
	require.NoError(t, err)
	_, err = engine.Return(ctx, user.ID, book.ID)
	require.NoError(t, err)

	_, err = engine.Return(ctx, user.ID, book.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, reloadBook(t, db, book.ID).AvailableCopies)
}

func TestBorrowAgainAfterReturn(t *testing.T) {
	engine, db, clock := setupEngine(t)
	ctx := context.Background()
	user := createUser(t, db, "david", "10")
	book := createBook(t, db, "Dune", 1, "5")

	_, err := engine.Borrow(ctx, user.ID, book.ID)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = engine.Return(ctx, user.ID, book.ID)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	snapshot, err := engine.Borrow(ctx, user.ID, book.ID)

	require.NoError(t, err)
	require.Len(t, snapshot.Loans, 2)
	assert.True(t, snapshot.Loans[0].IsReturned)
	assert.False(t, snapshot.Loans[1].IsReturned)
	assert.Len(t, snapshot.ActiveLoans(), 1)
	assertMoney(t, "4", snapshot.WalletBalance)
}

func TestTopUpWallet(t *testing.T) {
	engine, db, _ := setupEngine(t)
	ctx := context.Background()
	first := createUser(t, db, "first", "0")
	second := createUser(t, db, "second", "0")

	_, err := engine.TopUpWallet(ctx, first.ID, decimal.NewFromInt(5))
	require.NoError(t, err)
	a, err := engine.TopUpWallet(ctx, first.ID, decimal.NewFromInt(10))
	require.NoError(t, err)

	_, err = engine.TopUpWallet(ctx, second.ID, decimal.NewFromInt(10))
	require.NoError(t, err)
	b, err := engine.TopUpWallet(ctx, second.ID, decimal.NewFromInt(5))
	require.NoError(t, err)

	assertMoney(t, "15", a.WalletBalance)
	assert.True(t, a.WalletBalance.Equal(b.WalletBalance))

	zero, err := engine.TopUpWallet(ctx, first.ID, decimal.Zero)
	require.NoError(t, err)
	assertMoney(t, "15", zero.WalletBalance)
}

func TestTopUpWalletRejects(t *testing.T) {
	engine, db, _ := setupEngine(t)
	ctx := context.Background()
	user := createUser(t, db, "david", "1")

	_, err := engine.TopUpWallet(ctx, user.ID, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = engine.TopUpWallet(ctx, uuid.NewString(), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrNotFound)

	for _, amount := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := AmountFromFloat(amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	amount, err := AmountFromFloat(2.5)
	require.NoError(t, err)
	assertMoney(t, "2.5", amount)

	snapshot, err := engine.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assertMoney(t, "1", snapshot.WalletBalance)
}

func TestGetUser(t *testing.T) {
	engine, db, clock := setupEngine(t)
	ctx := context.Background()
	user := createUser(t, db, "david", "10")
	first := createBook(t, db, "First", 1, "5")
	second := createBook(t, db, "Second", 1, "5")

	_, err := engine.Borrow(ctx, user.ID, second.ID)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = engine.Borrow(ctx, user.ID, first.ID)
	require.NoError(t, err)

	snapshot, err := engine.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "david", snapshot.Username)
	require.Len(t, snapshot.Loans, 2)
	assert.Equal(t, second.ID, snapshot.Loans[0].BookID)
	assert.Equal(t, first.ID, snapshot.Loans[1].BookID)

	_, err = engine.GetUser(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = engine.GetUser(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentBorrowOfLastCopy(t *testing.T) {
	engine, db, _ := setupEngine(t)
	book := createBook(t, db, "Last Copy", 1, "5")
	users := []models.User{createUser(t, db, "a", "10"), createUser(t, db, "b", "10")}

	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i, user := range users {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			_, errs[i] = engine.Borrow(context.Background(), userID, book.ID)
		}(i, user.ID)
	}
	wg.Wait()

	successes, unavailable := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrBookUnavailable):
			unavailable++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, unavailable)
	assert.Equal(t, 0, reloadBook(t, db, book.ID).AvailableCopies)
	assert.Zero(t, engine.locks.size())
}

func TestConcurrentBorrowsNeverOversell(t *testing.T) {
	engine, db, _ := setupEngine(t)
	book := createBook(t, db, "Popular", 3, "5")

	const borrowers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < borrowers; i++ {
		user := createUser(t, db, uuid.NewString(), "10")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Borrow(context.Background(), user.ID, book.ID)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrBookUnavailable)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, successes)
	assert.Equal(t, 0, reloadBook(t, db, book.ID).AvailableCopies)
}

func TestConcurrentTopUpsOnOneWallet(t *testing.T) {
	engine, db, _ := setupEngine(t)
	user := createUser(t, db, "david", "0")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.TopUpWallet(context.Background(), user.ID, decimal.RequireFromString("0.5"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snapshot, err := engine.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assertMoney(t, "10", snapshot.WalletBalance)
}

// Random borrow, return and top-up traffic must never break the ledger.
func TestLedgerInvariantsUnderRandomTraffic(t *testing.T) {
	engine, db, clock := setupEngine(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	const copies = 2
	var users []models.User
	var books []models.Book
	for i := 0; i < 4; i++ {
		users = append(users, createUser(t, db, uuid.NewString(), "6"))
	}
	for i := 0; i < 5; i++ {
		books = append(books, createBook(t, db, uuid.NewString(), copies, "3"))
	}

	for step := 0; step < 300; step++ {
		user := users[rng.Intn(len(users))]
		book := books[rng.Intn(len(books))]
		clock.Advance(time.Duration(rng.Intn(72)) * time.Hour)

		var err error
		switch rng.Intn(3) {
		case 0:
			_, err = engine.Borrow(ctx, user.ID, book.ID)
		case 1:
			_, err = engine.Return(ctx, user.ID, book.ID)
		default:
			_, err = engine.TopUpWallet(ctx, user.ID, decimal.NewFromInt(int64(rng.Intn(4))))
		}
		var lendingErr *Error
		if err != nil {
			require.ErrorAs(t, err, &lendingErr, "step %d", step)
		}

		for _, b := range books {
			current := reloadBook(t, db, b.ID)
			require.GreaterOrEqual(t, current.AvailableCopies, 0)

			var onLoan int64
			require.NoError(t, db.Model(&models.Loan{}).Where("book_id = ? AND is_returned = ?", b.ID, false).Count(&onLoan).Error)
			require.Equal(t, copies, current.AvailableCopies+int(onLoan), "step %d", step)
		}
		for _, u := range users {
			snapshot, err := engine.GetUser(ctx, u.ID)
			require.NoError(t, err)
			require.False(t, snapshot.WalletBalance.IsNegative(), "step %d", step)

			active := snapshot.ActiveLoans()
			require.LessOrEqual(t, len(active), engine.Policy().MaxActiveLoans)
			seen := make(map[string]bool)
			for _, loan := range active {
				require.False(t, seen[loan.BookID], "duplicate active loan at step %d", step)
				seen[loan.BookID] = true
			}
		}
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	db := setupTestDB(t)

	_, err := New(db, WithMaxAttempts(0))
	assert.ErrorIs(t, err, ErrInvalidMaxAttempts)
	_, err = New(db, WithBaseDelay(-time.Second))
	assert.ErrorIs(t, err, ErrNegativeBaseDelay)
	_, err = New(db, WithJitterFactor(1.5))
	assert.ErrorIs(t, err, ErrInvalidJitterFactor)
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name string
		op   string
		err  error
		kind error
	}{
		{"inventory race", "borrow", storage.ErrInventoryConflict, ErrBookUnavailable},
		{"wallet race on borrow", "borrow", storage.ErrWalletConflict, ErrInsufficientFunds},
		{"wallet race on top up", "topup", storage.ErrWalletConflict, ErrConcurrencyConflict},
		{"loan closed meanwhile", "return", storage.ErrLoanConflict, ErrNotFound},
		{"duplicate insert", "borrow", storage.ErrDuplicateLoan, ErrDuplicateActiveLoan},
		{"short wallet", "borrow", storage.ErrInsufficientBalance, ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := settle(tt.op, tt.err)
			assert.ErrorIs(t, err, tt.kind)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	plain := errors.New("disk full")
	err := settle("borrow", plain)
	assert.ErrorIs(t, err, plain)
	var lendingErr *Error
	assert.False(t, errors.As(err, &lendingErr))
}
