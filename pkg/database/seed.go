package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"library_lending/pkg/models"
)

const defaultCopies = 4

var seedUsers = []models.User{
	{
		ID:            "5b0b3f64-0f4c-4a5e-9a59-8a3c1d3e6a01",
		Username:      "David",
		Email:         "david@example.com",
		WalletBalance: decimal.NewFromInt(50),
	},
	{
		ID:            "5b0b3f64-0f4c-4a5e-9a59-8a3c1d3e6a02",
		Username:      "John",
		Email:         "john@example.com",
		WalletBalance: decimal.NewFromInt(30),
	},
}

var seedBooks = []models.Book{
	{
		ID:              "f7cdc58f-2caf-4b15-9727-f89dcc629b27",
		Title:           "The Great Gatsby",
		Author:          "F. Scott Fitzgerald",
		Genre:           "Fiction",
		PublicationYear: 1925,
		Publisher:       "Charles Scribner's Sons",
		Price:           decimal.RequireFromString("10.99"),
	},
	{
		ID:              "f7cdc58f-2caf-4b15-9727-f89dcc629b28",
		Title:           "Dune",
		Author:          "Frank Herbert",
		Genre:           "Science Fiction",
		PublicationYear: 1965,
		Publisher:       "Chilton Books",
		Price:           decimal.RequireFromString("9.50"),
	},
	{
		ID:              "f7cdc58f-2caf-4b15-9727-f89dcc629b29",
		Title:           "The C++ Programming Language",
		Author:          "Bjarne Stroustrup",
		Genre:           "Computers",
		PublicationYear: 1985,
		Publisher:       "Addison-Wesley",
		Price:           decimal.RequireFromString("5.00"),
	},
}

// Seed inserts the starter users and catalog. Rows that already exist are left untouched.
func Seed(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	for _, u := range seedUsers {
		var existing models.User
		err := db.WithContext(ctx).Where("email = ?", u.Email).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("seed user %s: %w", u.Email, err)
		}
		user := u
		if err := db.WithContext(ctx).Create(&user).Error; err != nil {
			return fmt.Errorf("seed user %s: %w", u.Email, err)
		}
		logger.Info("Created seed user", zap.String("email", user.Email))
	}

	for _, b := range seedBooks {
		var existing models.Book
		err := db.WithContext(ctx).Where("id = ?", b.ID).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("seed book %s: %w", b.Title, err)
		}
		book := b
		book.AvailableCopies = defaultCopies
		if err := db.WithContext(ctx).Create(&book).Error; err != nil {
			return fmt.Errorf("seed book %s: %w", b.Title, err)
		}
		logger.Info("Created seed book", zap.String("title", book.Title))
	}

	logger.Info("Library test data seeded")
	return nil
}
