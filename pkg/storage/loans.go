package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"library_lending/pkg/models"
)

// LoanRegistry is the arena of loan records. Active loans are found through the
// (user_id, is_returned) index rather than by walking a user's whole history.
type LoanRegistry struct {
	db *gorm.DB
}

func NewLoanRegistry(db *gorm.DB) *LoanRegistry {
	return &LoanRegistry{db: db}
}

func (r *LoanRegistry) WithTx(tx *gorm.DB) *LoanRegistry {
	return &LoanRegistry{db: tx}
}

func (r *LoanRegistry) Active(ctx context.Context, userID string) ([]models.Loan, error) {
	loans := make([]models.Loan, 0)
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_returned = ?", userID, false).
		Order("borrow_date, id").
		Find(&loans).Error
	return loans, err
}

func (r *LoanRegistry) ActiveFor(ctx context.Context, userID, bookID string) (models.Loan, error) {
	var loan models.Loan
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND book_id = ? AND is_returned = ?", userID, bookID, false).
		First(&loan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Loan{}, ErrNotFound
	}
	return loan, err
}

func (r *LoanRegistry) CountActiveForBook(ctx context.Context, bookID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Loan{}).
		Where("book_id = ? AND is_returned = ?", bookID, false).
		Count(&count).Error
	return count, err
}

// History returns every loan of the user in borrow order.
func (r *LoanRegistry) History(ctx context.Context, userID string) ([]models.Loan, error) {
	loans := make([]models.Loan, 0)
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("borrow_date, id").
		Find(&loans).Error
	return loans, err
}

func (r *LoanRegistry) Open(ctx context.Context, loan *models.Loan) error {
	err := r.db.WithContext(ctx).Create(loan).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateLoan
	}
	return err
}

// Close marks an active loan returned. A loan is closed at most once.
func (r *LoanRegistry) Close(ctx context.Context, loanID string, returnedAt time.Time, lateFee decimal.Decimal) error {
	res := r.db.WithContext(ctx).Model(&models.Loan{}).
		Where("id = ? AND is_returned = ?", loanID, false).
		Updates(map[string]any{
			"is_returned": true,
			"return_date": returnedAt,
			"late_fee":    lateFee,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLoanConflict
	}
	return nil
}

// ActiveLoans lists every unreturned loan with the contact and title details
// reminders need. It reads without taking any lending locks.
func (r *LoanRegistry) ActiveLoans(ctx context.Context) ([]models.ActiveLoan, error) {
	loans := make([]models.ActiveLoan, 0)
	err := r.db.WithContext(ctx).Table("loans").
		Select("loans.id AS loan_id, loans.user_id, users.username, users.email, " +
			"loans.book_id, COALESCE(books.title, '') AS book_title, loans.borrow_date").
		Joins("JOIN users ON users.id = loans.user_id").
		Joins("LEFT JOIN books ON books.id = loans.book_id").
		Where("loans.is_returned = ?", false).
		Order("loans.user_id, loans.borrow_date").
		Scan(&loans).Error
	return loans, err
}
