package storage

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"library_lending/pkg/models"
)

// BookFilter lists the recognised catalog search fields. Every non-empty field
// must match as a case-insensitive substring; an empty filter matches all books.
type BookFilter struct {
	Title  string `form:"title"`
	Author string `form:"author"`
	Genre  string `form:"genre"`
}

func (f BookFilter) IsEmpty() bool {
	return strings.TrimSpace(f.Title) == "" && strings.TrimSpace(f.Author) == "" && strings.TrimSpace(f.Genre) == ""
}

type InventoryStore struct {
	db *gorm.DB
}

func NewInventoryStore(db *gorm.DB) *InventoryStore {
	return &InventoryStore{db: db}
}

func (s *InventoryStore) WithTx(tx *gorm.DB) *InventoryStore {
	return &InventoryStore{db: tx}
}

func (s *InventoryStore) Get(ctx context.Context, id string) (models.Book, error) {
	var book models.Book
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&book).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Book{}, ErrNotFound
	}
	return book, err
}

// Reserve takes one copy off the shelf. It only succeeds while a copy is left.
func (s *InventoryStore) Reserve(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.Book{}).
		Where("id = ? AND available_copies > 0", id).
		Update("available_copies", gorm.Expr("available_copies - 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInventoryConflict
	}
	return nil
}

// Release puts one copy back on the shelf.
func (s *InventoryStore) Release(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.Book{}).
		Where("id = ?", id).
		Update("available_copies", gorm.Expr("available_copies + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *InventoryStore) Search(ctx context.Context, filter BookFilter) ([]models.Book, error) {
	query := s.db.WithContext(ctx).Model(&models.Book{})
	query = whereContains(query, "title", filter.Title)
	query = whereContains(query, "author", filter.Author)
	query = whereContains(query, "genre", filter.Genre)

	books := make([]models.Book, 0)
	if err := query.Order("title, id").Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

func (s *InventoryStore) Create(ctx context.Context, book *models.Book) error {
	return s.db.WithContext(ctx).Create(book).Error
}

func (s *InventoryStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Book{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func whereContains(query *gorm.DB, column, value string) *gorm.DB {
	value = strings.TrimSpace(value)
	if value == "" {
		return query
	}
	pattern := "%" + likeEscaper.Replace(strings.ToLower(value)) + "%"
	return query.Where("LOWER("+column+`) LIKE ? ESCAPE '\'`, pattern)
}
