package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/bookstore/services/storefront/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrBookNotFound is returned when a book is not found
	ErrBookNotFound = errors.New("book not found")

	// ErrDuplicateContent is returned when another book already has the same content hash
	ErrDuplicateContent = errors.New("book content already uploaded")
)

// BookWithRating is a book row joined with its average review rating.
type BookWithRating struct {
	db.Book   `gorm:"embedded"`
	AvgRating float64 `gorm:"column:avg_rating" json:"avg_rating"`
}

// BookRepository handles book catalog operations
type BookRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewBookRepository creates a new book repository
func NewBookRepository(database *db.DB, logger *zap.Logger) *BookRepository {
	return &BookRepository{
		db:  database,
		log: logger,
	}
}

// CreateBook inserts a new book
func (r *BookRepository) CreateBook(ctx context.Context, book *db.Book) error {
	if err := r.db.WithContext(ctx).Create(book).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateContent
		}
		r.log.Error("Failed to create book", zap.String("title", book.Title), zap.Error(err))
		return fmt.Errorf("failed to create book: %w", err)
	}

	r.log.Info("Book created",
		zap.Uint("book_id", book.ID),
		zap.String("owner_id", book.OwnerID),
	)
	return nil
}

// GetBook retrieves a book by ID
func (r *BookRepository) GetBook(ctx context.Context, id uint) (*db.Book, error) {
	var book db.Book
	err := r.db.WithContext(ctx).First(&book, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		r.log.Error("Failed to get book", zap.Uint("book_id", id), zap.Error(err))
		return nil, err
	}
	return &book, nil
}

// FindByContentHash returns the book holding a content hash, or ErrBookNotFound.
func (r *BookRepository) FindByContentHash(ctx context.Context, hash string) (*db.Book, error) {
	var book db.Book
	err := r.db.WithContext(ctx).Where("content_hash = ?", hash).First(&book).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		r.log.Error("Failed to look up content hash", zap.Error(err))
		return nil, err
	}
	return &book, nil
}

// ListBooks returns books newest first with their average rating.
// An empty category returns every book.
func (r *BookRepository) ListBooks(ctx context.Context, category string) ([]BookWithRating, error) {
	query := r.db.WithContext(ctx).
		Table("books").
		Select("books.*, COALESCE(AVG(reviews.rating), 0) AS avg_rating").
		Joins("LEFT JOIN reviews ON reviews.book_id = books.id").
		Group("books.id")

	if category != "" {
		query = query.Where("books.category = ?", category)
	}

	var books []BookWithRating
	if err := query.Order("books.uploaded_at DESC").Order("books.id DESC").Scan(&books).Error; err != nil {
		r.log.Error("Failed to list books", zap.String("category", category), zap.Error(err))
		return nil, err
	}
	return books, nil
}

// ListCategories returns the distinct categories in use, sorted.
func (r *BookRepository) ListCategories(ctx context.Context) ([]string, error) {
	var categories []string
	err := r.db.WithContext(ctx).
		Model(&db.Book{}).
		Distinct().
		Order("category").
		Pluck("category", &categories).Error
	if err != nil {
		r.log.Error("Failed to list categories", zap.Error(err))
		return nil, err
	}
	return categories, nil
}

// ListBooksByOwner returns the books a user uploaded, newest first.
func (r *BookRepository) ListBooksByOwner(ctx context.Context, ownerID string) ([]*db.Book, error) {
	var books []*db.Book
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("uploaded_at DESC").
		Find(&books).Error
	if err != nil {
		r.log.Error("Failed to list owner books", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, err
	}
	return books, nil
}
