package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bookstore/services/storefront/internal/auth"
	"github.com/bookstore/services/storefront/internal/db"
	"github.com/bookstore/services/storefront/internal/db/dbtest"
	"github.com/bookstore/services/storefront/internal/repo"
	"github.com/bookstore/services/storefront/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	resolver *Resolver
	books    *repo.BookRepository
	orders   *repo.OrderRepository
	reviews  *repo.ReviewRepository
	book     *db.Book
}

func setup(t *testing.T) env {
	database := dbtest.New(t)
	log := logger.NewLogger("test", "info")
	e := env{
		books:   repo.NewBookRepository(database, log),
		orders:  repo.NewOrderRepository(database, log),
		reviews: repo.NewReviewRepository(database, log),
	}
	e.resolver = NewResolver(e.orders, e.reviews)

	hash := "h1"
	e.book = &db.Book{
		Title:         "Book",
		FileKey:       "books/b.pdf",
		FileName:      "b.pdf",
		OwnerID:       "owner",
		PurchasePrice: decimal.NewFromInt(100),
		ContentHash:   &hash,
	}
	require.NoError(t, e.books.CreateBook(context.Background(), e.book))
	return e
}

func (e env) buy(t *testing.T, user string, pay bool) {
	ctx := context.Background()
	remote := "order_" + user
	order := &db.Order{UserID: user, BookID: e.book.ID, Amount: e.book.PurchasePrice, GatewayOrderID: &remote}
	require.NoError(t, e.orders.CreateOrder(ctx, order))
	if pay {
		require.NoError(t, e.orders.MarkPaid(ctx, order.ID, "pay", "sig", time.Now()))
	}
}

func TestStrangerHasNoRights(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	stranger := auth.User{ID: "stranger"}

	e.buy(t, "stranger", false)

	assert.False(t, e.resolver.CanDownload(stranger, e.book))
	canRead, err := e.resolver.CanReadInApp(ctx, stranger, e.book)
	require.NoError(t, err)
	assert.False(t, canRead)
	canReview, err := e.resolver.CanReview(ctx, stranger, e.book)
	require.NoError(t, err)
	assert.False(t, canReview)
}

func TestAnonymousHasNoRights(t *testing.T) {
	e := setup(t)

	got, err := e.resolver.Evaluate(context.Background(), auth.User{}, e.book)
	require.NoError(t, err)
	assert.Equal(t, Entitlements{}, got)
}

func TestOwnerRights(t *testing.T) {
	e := setup(t)

	got, err := e.resolver.Evaluate(context.Background(), auth.User{ID: "owner"}, e.book)
	require.NoError(t, err)
	assert.Equal(t, Entitlements{IsOwner: true, CanDownload: true, CanRead: true, CanReview: true}, got)
}

func TestPaidPurchaserCanReadButNotDownload(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	buyer := auth.User{ID: "buyer"}
	e.buy(t, "buyer", true)

	got, err := e.resolver.Evaluate(ctx, buyer, e.book)
	require.NoError(t, err)
	assert.Equal(t, Entitlements{HasPurchase: true, CanRead: true, CanReview: true}, got)

	require.NoError(t, e.reviews.CreateReview(ctx, &db.Review{BookID: e.book.ID, UserID: "buyer", Rating: 5, Comment: "nice"}))

	canReview, err := e.resolver.CanReview(ctx, buyer, e.book)
	require.NoError(t, err)
	assert.False(t, canReview)

	got, err = e.resolver.Evaluate(ctx, buyer, e.book)
	require.NoError(t, err)
	assert.True(t, got.HasReviewed)
	assert.False(t, got.CanReview)
	assert.True(t, got.CanRead)
}

func TestEvaluateMatchesPredicates(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.buy(t, "buyer", true)
	e.buy(t, "pending", false)

	for _, user := range []auth.User{{}, {ID: "owner"}, {ID: "buyer"}, {ID: "pending"}, {ID: "stranger"}} {
		all, err := e.resolver.Evaluate(ctx, user, e.book)
		require.NoError(t, err)

		canRead, err := e.resolver.CanReadInApp(ctx, user, e.book)
		require.NoError(t, err)
		canReview, err := e.resolver.CanReview(ctx, user, e.book)
		require.NoError(t, err)

		assert.Equal(t, e.resolver.CanDownload(user, e.book), all.CanDownload, user.ID)
		assert.Equal(t, canRead, all.CanRead, user.ID)
		assert.Equal(t, canReview, all.CanReview, user.ID)
	}
}

type brokenLookup struct{}

func (brokenLookup) HasPaidPurchase(context.Context, string, uint) (bool, error) {
	return false, errors.New("db down")
}

func (brokenLookup) HasReviewed(context.Context, string, uint) (bool, error) {
	return false, errors.New("db down")
}

func TestLookupErrorsPropagate(t *testing.T) {
	resolver := NewResolver(brokenLookup{}, brokenLookup{})
	book := &db.Book{ID: 1, OwnerID: "owner"}

	_, err := resolver.CanReadInApp(context.Background(), auth.User{ID: "x"}, book)
	assert.Error(t, err)

	ok, err := resolver.CanReadInApp(context.Background(), auth.User{ID: "owner"}, book)
	assert.NoError(t, err)
	assert.True(t, ok)
}
