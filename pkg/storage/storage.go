// Package storage holds the gorm-backed stores the lending engine composes:
// book inventory, user wallets and the loan registry. Every store can be bound
// to a transaction with WithTx so that one lending operation spans all three.
package storage

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrConflict reports that a guarded update matched no row because the
	// state it was computed from changed underneath it.
	ErrConflict = errors.New("concurrent update conflict")

	ErrInventoryConflict = fmt.Errorf("inventory: %w", ErrConflict)
	ErrWalletConflict    = fmt.Errorf("wallet: %w", ErrConflict)
	ErrLoanConflict      = fmt.Errorf("loan: %w", ErrConflict)

	ErrDuplicateLoan = errors.New("active loan already exists for user and book")
)
