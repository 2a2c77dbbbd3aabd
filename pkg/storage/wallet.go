package storage

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"library_lending/pkg/models"
)

var ErrInsufficientBalance = errors.New("insufficient wallet balance")

// WalletLedger owns user rows and their prepaid balance. Balance writes are
// compare-and-swap on the user's version, so a write computed from a stale
// read fails with ErrWalletConflict instead of losing an update.
type WalletLedger struct {
	db *gorm.DB
}

func NewWalletLedger(db *gorm.DB) *WalletLedger {
	return &WalletLedger{db: db}
}

func (l *WalletLedger) WithTx(tx *gorm.DB) *WalletLedger {
	return &WalletLedger{db: tx}
}

func (l *WalletLedger) Get(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := l.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, ErrNotFound
	}
	return user, err
}

func (l *WalletLedger) Create(ctx context.Context, user *models.User) error {
	return l.db.WithContext(ctx).Create(user).Error
}

func (l *WalletLedger) Credit(ctx context.Context, user models.User, amount decimal.Decimal) (models.User, error) {
	return l.swap(ctx, user, user.WalletBalance.Add(amount))
}

// Debit takes amount off the balance and refuses to go below zero.
func (l *WalletLedger) Debit(ctx context.Context, user models.User, amount decimal.Decimal) (models.User, error) {
	if user.WalletBalance.LessThan(amount) {
		return user, ErrInsufficientBalance
	}
	return l.swap(ctx, user, user.WalletBalance.Sub(amount))
}

// DebitFloor takes amount off the balance, stopping at zero. It returns the
// part of amount that could not be covered.
func (l *WalletLedger) DebitFloor(ctx context.Context, user models.User, amount decimal.Decimal) (models.User, decimal.Decimal, error) {
	balance := user.WalletBalance.Sub(amount)
	shortfall := decimal.Zero
	if balance.IsNegative() {
		shortfall = balance.Neg()
		balance = decimal.Zero
	}
	updated, err := l.swap(ctx, user, balance)
	return updated, shortfall, err
}

func (l *WalletLedger) swap(ctx context.Context, user models.User, balance decimal.Decimal) (models.User, error) {
	res := l.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND version = ?", user.ID, user.Version).
		Updates(map[string]any{
			"wallet_balance": balance,
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return user, res.Error
	}
	if res.RowsAffected == 0 {
		return user, ErrWalletConflict
	}
	user.WalletBalance = balance
	user.Version++
	return user, nil
}
