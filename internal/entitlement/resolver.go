// Package entitlement decides what a user may do with a book. Every view
// that gates on ownership or purchase asks this package, so the rules stay
// identical across detail, read, download and review.
package entitlement

import (
	"context"
	"fmt"

	"github.com/bookstore/services/storefront/internal/auth"
	"github.com/bookstore/services/storefront/internal/db"
)

// PurchaseLookup answers whether a user holds a paid purchase of a book.
type PurchaseLookup interface {
	HasPaidPurchase(ctx context.Context, userID string, bookID uint) (bool, error)
}

// ReviewLookup answers whether a user already reviewed a book.
type ReviewLookup interface {
	HasReviewed(ctx context.Context, userID string, bookID uint) (bool, error)
}

// Entitlements is the full set of rights of one user on one book.
type Entitlements struct {
	IsOwner     bool `json:"is_owner"`
	HasPurchase bool `json:"has_purchased"`
	CanDownload bool `json:"can_download"`
	CanRead     bool `json:"can_read"`
	HasReviewed bool `json:"has_reviewed"`
	CanReview   bool `json:"can_review"`
}

// Resolver decides what a user may do with a book from ownership, the
// order ledger and existing reviews.
type Resolver struct {
	purchases PurchaseLookup
	reviews   ReviewLookup
}

// NewResolver creates a resolver over the given lookups.
func NewResolver(purchases PurchaseLookup, reviews ReviewLookup) *Resolver {
	return &Resolver{purchases: purchases, reviews: reviews}
}

func isOwner(user auth.User, book *db.Book) bool {
	return !user.IsAnonymous() && book != nil && user.ID == book.OwnerID
}

// CanDownload is reserved to the uploader.
func (r *Resolver) CanDownload(user auth.User, book *db.Book) bool {
	return isOwner(user, book)
}

// CanReadInApp holds for the owner and for paid purchasers.
func (r *Resolver) CanReadInApp(ctx context.Context, user auth.User, book *db.Book) (bool, error) {
	if user.IsAnonymous() || book == nil {
		return false, nil
	}
	if isOwner(user, book) {
		return true, nil
	}
	paid, err := r.purchases.HasPaidPurchase(ctx, user.ID, book.ID)
	if err != nil {
		return false, fmt.Errorf("check purchase: %w", err)
	}
	return paid, nil
}

// HasReviewed reports whether the user has already left a review for the book.
func (r *Resolver) HasReviewed(ctx context.Context, user auth.User, book *db.Book) (bool, error) {
	if user.IsAnonymous() || book == nil {
		return false, nil
	}
	reviewed, err := r.reviews.HasReviewed(ctx, user.ID, book.ID)
	if err != nil {
		return false, fmt.Errorf("check review: %w", err)
	}
	return reviewed, nil
}

// CanReview requires read rights and no earlier review.
func (r *Resolver) CanReview(ctx context.Context, user auth.User, book *db.Book) (bool, error) {
	canRead, err := r.CanReadInApp(ctx, user, book)
	if err != nil || !canRead {
		return false, err
	}
	reviewed, err := r.HasReviewed(ctx, user, book)
	if err != nil {
		return false, err
	}
	return !reviewed, nil
}

// Evaluate computes every right at once for views that show them together.
func (r *Resolver) Evaluate(ctx context.Context, user auth.User, book *db.Book) (Entitlements, error) {
	var e Entitlements
	if user.IsAnonymous() || book == nil {
		return e, nil
	}

	e.IsOwner = isOwner(user, book)
	e.CanDownload = r.CanDownload(user, book)

	if !e.IsOwner {
		paid, err := r.purchases.HasPaidPurchase(ctx, user.ID, book.ID)
		if err != nil {
			return Entitlements{}, fmt.Errorf("check purchase: %w", err)
		}
		e.HasPurchase = paid
	}
	e.CanRead = e.IsOwner || e.HasPurchase

	reviewed, err := r.HasReviewed(ctx, user, book)
	if err != nil {
		return Entitlements{}, err
	}
	e.HasReviewed = reviewed
	e.CanReview = e.CanRead && !reviewed
	return e, nil
}
