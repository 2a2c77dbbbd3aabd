package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Book struct {
	ID              string          `gorm:"type:uuid;primaryKey" json:"id"`
	Title           string          `gorm:"not null" json:"title"`
	Author          string          `gorm:"not null" json:"author"`
	Genre           string          `gorm:"size:80" json:"genre"`
	PublicationYear int             `json:"publicationYear"`
	Publisher       string          `json:"publisher"`
	Price           decimal.Decimal `gorm:"type:decimal(12,2);not null;check:price >= 0" json:"price"`
	AvailableCopies int             `gorm:"not null;check:available_copies >= 0" json:"availableCopies"`
	CreatedAt       time.Time       `json:"-"`
	UpdatedAt       time.Time       `json:"-"`
}

type User struct {
	ID            string          `gorm:"type:uuid;primaryKey" json:"id"`
	Username      string          `gorm:"size:80;not null" json:"username"`
	Email         string          `gorm:"size:255;not null;uniqueIndex" json:"email"`
	WalletBalance decimal.Decimal `gorm:"type:decimal(12,2);not null;check:wallet_balance >= 0" json:"walletBalance"`
	Version       int64           `gorm:"not null" json:"-"` // bumped on every wallet write
	Loans         []Loan          `gorm:"foreignKey:UserID" json:"loans,omitempty"`
	CreatedAt     time.Time       `json:"-"`
	UpdatedAt     time.Time       `json:"-"`
}

// Loan is one user holding one copy of one book. It is active until IsReturned
// is set, which happens exactly once.
type Loan struct {
	ID         string          `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     string          `gorm:"type:uuid;not null;index:idx_loans_user_active,priority:1;uniqueIndex:idx_loans_active_pair,where:is_returned = false" json:"-"`
	BookID     string          `gorm:"type:uuid;not null;index;uniqueIndex:idx_loans_active_pair,where:is_returned = false" json:"bookId"`
	BorrowDate time.Time       `gorm:"not null" json:"borrowDate"`
	ReturnDate *time.Time      `json:"returnDate"`
	IsReturned bool            `gorm:"not null;index:idx_loans_user_active,priority:2" json:"isReturned"`
	LateFee    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"lateFee"`
	CreatedAt  time.Time       `json:"-"`
}

func (l Loan) Active() bool {
	return !l.IsReturned
}

// UserSnapshot is what the lending operations hand back after a commit.
type UserSnapshot struct {
	ID            string          `json:"id"`
	Username      string          `json:"username"`
	Email         string          `json:"email"`
	WalletBalance decimal.Decimal `json:"walletBalance"`
	Loans         []Loan          `json:"borrowedBooks"`
}

func (s UserSnapshot) ActiveLoans() []Loan {
	active := make([]Loan, 0, len(s.Loans))
	for _, loan := range s.Loans {
		if loan.Active() {
			active = append(active, loan)
		}
	}
	return active
}

// ActiveLoan is the read model the reminder scan works from.
type ActiveLoan struct {
	LoanID     string
	UserID     string
	Username   string
	Email      string
	BookID     string
	BookTitle  string
	BorrowDate time.Time
}
