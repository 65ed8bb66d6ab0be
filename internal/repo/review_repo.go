package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/bookstore/services/storefront/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrAlreadyReviewed is returned when the user already reviewed the book
var ErrAlreadyReviewed = errors.New("book already reviewed by user")

// ReviewRepository handles book reviews
type ReviewRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewReviewRepository creates a new review repository
func NewReviewRepository(database *db.DB, logger *zap.Logger) *ReviewRepository {
	return &ReviewRepository{
		db:  database,
		log: logger,
	}
}

// CreateReview inserts a review; the (book, user) unique index rejects a second one.
func (r *ReviewRepository) CreateReview(ctx context.Context, review *db.Review) error {
	if err := r.db.WithContext(ctx).Create(review).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyReviewed
		}
		r.log.Error("Failed to create review",
			zap.Uint("book_id", review.BookID),
			zap.String("user_id", review.UserID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to create review: %w", err)
	}
	return nil
}

// HasReviewed reports whether the user already reviewed the book.
func (r *ReviewRepository) HasReviewed(ctx context.Context, userID string, bookID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Review{}).
		Where("user_id = ? AND book_id = ?", userID, bookID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListReviews returns a book's reviews newest first.
func (r *ReviewRepository) ListReviews(ctx context.Context, bookID uint) ([]*db.Review, error) {
	var reviews []*db.Review
	err := r.db.WithContext(ctx).
		Where("book_id = ?", bookID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&reviews).Error
	if err != nil {
		r.log.Error("Failed to list reviews", zap.Uint("book_id", bookID), zap.Error(err))
		return nil, err
	}
	return reviews, nil
}

// AverageRating is the mean rating of a book, or 0 without reviews.
func (r *ReviewRepository) AverageRating(ctx context.Context, bookID uint) (float64, error) {
	var avg float64
	err := r.db.WithContext(ctx).
		Model(&db.Review{}).
		Select("COALESCE(AVG(rating), 0)").
		Where("book_id = ?", bookID).
		Row().Scan(&avg)
	if err != nil {
		r.log.Error("Failed to compute average rating", zap.Uint("book_id", bookID), zap.Error(err))
		return 0, err
	}
	return avg, nil
}
