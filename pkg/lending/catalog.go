package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"library_lending/pkg/models"
	"library_lending/pkg/storage"
)

// DefaultCopies is the stock of a new title when none is given.
const DefaultCopies = 4

type NewBook struct {
	Title           string          `json:"title" binding:"required"`
	Author          string          `json:"author" binding:"required"`
	Genre           string          `json:"genre"`
	PublicationYear int             `json:"publicationYear"`
	Publisher       string          `json:"publisher"`
	Price           decimal.Decimal `json:"price"`
	AvailableCopies *int            `json:"availableCopies"`
}

func (e *Engine) ListBooks(ctx context.Context) ([]models.Book, error) {
	return e.SearchBooks(ctx, storage.BookFilter{})
}

// SearchBooks matches every non-empty filter field as a case-insensitive
// substring. An empty filter lists the whole catalog.
func (e *Engine) SearchBooks(ctx context.Context, filter storage.BookFilter) ([]models.Book, error) {
	books, err := e.inventory.Search(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("search books: %w", err)
	}
	return books, nil
}

func (e *Engine) GetBook(ctx context.Context, bookID string) (models.Book, error) {
	const op = "get book"
	if err := validateBookID(op, bookID); err != nil {
		return models.Book{}, err
	}

	book, err := e.inventory.Get(ctx, bookID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Book{}, newError(ErrNotFound, op, "Book not found")
	}
	if err != nil {
		return models.Book{}, fmt.Errorf("%s: %w", op, err)
	}
	return book, nil
}

func (e *Engine) AddBook(ctx context.Context, input NewBook) (models.Book, error) {
	const op = "add book"

	book := models.Book{
		ID:              newID(),
		Title:           strings.TrimSpace(input.Title),
		Author:          strings.TrimSpace(input.Author),
		Genre:           strings.TrimSpace(input.Genre),
		PublicationYear: input.PublicationYear,
		Publisher:       strings.TrimSpace(input.Publisher),
		Price:           input.Price.Round(2),
		AvailableCopies: DefaultCopies,
	}
	if input.AvailableCopies != nil {
		book.AvailableCopies = *input.AvailableCopies
	}

	switch {
	case book.Title == "":
		return models.Book{}, newError(ErrInvalidBook, op, "Title is required")
	case book.Author == "":
		return models.Book{}, newError(ErrInvalidBook, op, "Author is required")
	case book.Price.IsNegative():
		return models.Book{}, newError(ErrInvalidBook, op, "Price must not be negative")
	case book.AvailableCopies < 0:
		return models.Book{}, newError(ErrInvalidBook, op, "Available copies must not be negative")
	}

	if err := e.inventory.Create(ctx, &book); err != nil {
		return models.Book{}, fmt.Errorf("%s: %w", op, err)
	}
	e.logger.Info("Book added to catalog", zap.String("book_id", book.ID), zap.String("title", book.Title))
	return book, nil
}

// DeleteBook removes a title from the catalog. Titles with copies on loan are
// kept so that open loans keep pointing at a book.
func (e *Engine) DeleteBook(ctx context.Context, bookID string) error {
	const op = "delete book"
	if err := validateBookID(op, bookID); err != nil {
		return err
	}

	unlock := e.locks.Lock(bookKey(bookID))
	defer unlock()

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		onLoan, err := e.loans.WithTx(tx).CountActiveForBook(ctx, bookID)
		if err != nil {
			return err
		}
		if onLoan > 0 {
			return newError(ErrBookOnLoan, op, "Book has copies on loan")
		}
		return e.inventory.WithTx(tx).Delete(ctx, bookID)
	})

	var lendingErr *Error
	switch {
	case err == nil:
		e.logger.Info("Book removed from catalog", zap.String("book_id", bookID))
		return nil
	case errors.As(err, &lendingErr):
		return lendingErr
	case errors.Is(err, storage.ErrNotFound):
		return newError(ErrNotFound, op, "Book not found")
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
