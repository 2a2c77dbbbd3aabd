package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"library_lending/pkg/database"
	"library_lending/pkg/lending"
	"library_lending/pkg/storage"
)

type api struct {
	engine *lending.Engine
	db     *gorm.DB
	logger *zap.Logger
}

type loanRequest struct {
	UserID string `json:"userId" binding:"required"`
	BookID string `json:"bookId" binding:"required"`
}

type topUpRequest struct {
	UserID string   `json:"userId" binding:"required"`
	Amount *float64 `json:"amount" binding:"required"`
}

func newRouter(a *api) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.logger))

	v1 := router.Group("/api/v1")

	books := v1.Group("/books")
	books.GET("", a.listBooks)
	books.GET("/search", a.searchBooks)
	books.GET("/:id", a.getBook)
	books.POST("", a.addBook)
	books.DELETE("/:id", a.deleteBook)

	users := v1.Group("/users")
	users.GET("/:id", a.getUser)
	users.POST("/borrow", a.borrow)
	users.POST("/return", a.returnBook)
	users.POST("/topup", a.topUp)

	router.GET("/manage/health", a.healthCheck)
	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (a *api) listBooks(c *gin.Context) {
	books, err := a.engine.ListBooks(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (a *api) searchBooks(c *gin.Context) {
	var filter storage.BookFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid search filter", "details": err.Error()})
		return
	}

	books, err := a.engine.SearchBooks(c.Request.Context(), filter)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (a *api) getBook(c *gin.Context) {
	book, err := a.engine.GetBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (a *api) addBook(c *gin.Context) {
	var request lending.NewBook
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	book, err := a.engine.AddBook(c.Request.Context(), request)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

func (a *api) deleteBook(c *gin.Context) {
	if err := a.engine.DeleteBook(c.Request.Context(), c.Param("id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Book deleted"})
}

func (a *api) getUser(c *gin.Context) {
	userID := c.Param("id")
	if uuid.Validate(userID) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}

	user, err := a.engine.GetUser(c.Request.Context(), userID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (a *api) borrow(c *gin.Context) {
	var request loanRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	user, err := a.engine.Borrow(c.Request.Context(), request.UserID, request.BookID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (a *api) returnBook(c *gin.Context) {
	var request loanRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	user, err := a.engine.Return(c.Request.Context(), request.UserID, request.BookID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (a *api) topUp(c *gin.Context) {
	var request topUpRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	amount, err := lending.AmountFromFloat(*request.Amount)
	if err != nil {
		a.writeError(c, err)
		return
	}

	user, err := a.engine.TopUpWallet(c.Request.Context(), request.UserID, amount)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (a *api) healthCheck(c *gin.Context) {
	if err := database.Ping(c.Request.Context(), a.db); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Database ping failed",
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (a *api) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": lending.Message(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lending.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrBookUnavailable),
		errors.Is(err, lending.ErrBookOnLoan),
		errors.Is(err, lending.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, lending.ErrBorrowLimitExceeded),
		errors.Is(err, lending.ErrDuplicateActiveLoan),
		errors.Is(err, lending.ErrInsufficientFunds),
		errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrInvalidBook):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
