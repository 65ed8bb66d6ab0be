// Package purchase turns a purchase request into a paid order: it opens the
// remote checkout and settles the gateway's confirmation callback.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bookstore/services/storefront/internal/auth"
	"github.com/bookstore/services/storefront/internal/db"
	"github.com/bookstore/services/storefront/internal/events"
	"github.com/bookstore/services/storefront/internal/metrics"
	"github.com/bookstore/services/storefront/internal/orders"
	"github.com/bookstore/services/storefront/internal/payment"
	"github.com/bookstore/services/storefront/internal/ratelimit"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyPurchased short-circuits a purchase of a book the user already paid for.
	ErrAlreadyPurchased = errors.New("book already purchased")

	// ErrRateLimited is returned when the user opened too many checkouts recently.
	ErrRateLimited = errors.New("too many purchase attempts")
)

// BookFinder loads books by id.
type BookFinder interface {
	GetBook(ctx context.Context, id uint) (*db.Book, error)
}

// Ledger is the order store the purchase flow writes to.
type Ledger interface {
	CreateOrder(ctx context.Context, order *db.Order) error
	HasPaidPurchase(ctx context.Context, userID string, bookID uint) (bool, error)
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string, statuses ...orders.Status) (*db.Order, error)
	MarkPaid(ctx context.Context, orderID uint, paymentID, signature string, paidAt time.Time) error
	MarkFailed(ctx context.Context, orderID uint) error
}

// Settings are the merchant details shown at checkout.
type Settings struct {
	Currency    string
	CompanyName string
	CallbackURL string
}

// Checkout is everything the checkout widget needs to take payment.
type Checkout struct {
	OrderID        uint   `json:"order_id"`
	GatewayOrderID string `json:"razorpay_order_id"`
	KeyID          string `json:"razorpay_key_id"`
	AmountMinor    int64  `json:"amount"`
	Currency       string `json:"currency"`
	CompanyName    string `json:"company_name"`
	BookID         uint   `json:"book_id"`
	BookTitle      string `json:"book_title"`
	UserName       string `json:"user_name,omitempty"`
	UserEmail      string `json:"user_email,omitempty"`
	CallbackURL    string `json:"callback_url"`
}

// Service starts purchases: it creates the remote order and the pending ledger row.
type Service struct {
	books    BookFinder
	ledger   Ledger
	gateway  payment.Gateway
	limiter  ratelimit.Limiter
	emitter  *events.Emitter
	settings Settings
	log      *zap.Logger
}

// NewService wires the purchase flow. A nil gateway disables purchases;
// a nil limiter disables throttling.
func NewService(books BookFinder, ledger Ledger, gateway payment.Gateway, limiter ratelimit.Limiter, emitter *events.Emitter, settings Settings, log *zap.Logger) *Service {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Service{
		books:    books,
		ledger:   ledger,
		gateway:  gateway,
		limiter:  limiter,
		emitter:  emitter,
		settings: settings,
		log:      log,
	}
}

// StartPurchase opens a checkout for user on the book. The local pending
// order is written only after the remote order exists, so a gateway failure
// leaves no ledger entry behind.
func (s *Service) StartPurchase(ctx context.Context, user auth.User, bookID uint, rawType string) (_ *Checkout, err error) {
	defer func() { metrics.OrdersCreated.WithLabelValues(purchaseResult(err)).Inc() }()

	if user.IsAnonymous() {
		return nil, auth.ErrLoginRequired
	}
	orderType, err := orders.ParseType(rawType)
	if err != nil {
		return nil, err
	}

	book, err := s.books.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	paid, err := s.ledger.HasPaidPurchase(ctx, user.ID, book.ID)
	if err != nil {
		return nil, fmt.Errorf("check existing purchase: %w", err)
	}
	if paid {
		return nil, ErrAlreadyPurchased
	}

	if s.gateway == nil {
		return nil, payment.ErrGatewayUnavailable
	}
	if !s.limiter.Allow(ctx, "purchase:"+user.ID) {
		return nil, ErrRateLimited
	}

	amountMinor := payment.ToMinorUnits(book.PurchasePrice)
	remote, err := s.gateway.CreateRemoteOrder(ctx, payment.RemoteOrderRequest{
		AmountMinor: amountMinor,
		Currency:    s.settings.Currency,
		Receipt:     payment.NewReceipt(),
		Notes: map[string]string{
			"book_id": strconv.FormatUint(uint64(book.ID), 10),
			"user_id": user.ID,
		},
	})
	if err != nil {
		s.log.Error("Failed to create remote order",
			zap.Uint("book_id", book.ID),
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		return nil, err
	}

	remoteID := remote.ID
	order := &db.Order{
		UserID:         user.ID,
		BookID:         book.ID,
		OrderType:      orderType,
		Amount:         book.PurchasePrice,
		GatewayOrderID: &remoteID,
		Status:         orders.StatusPending,
	}
	if err := s.ledger.CreateOrder(ctx, order); err != nil {
		// The remote order is orphaned but harmless: it can never be paid
		// into a local order that does not exist.
		s.log.Error("Remote order created without local order",
			zap.String("razorpay_order_id", remoteID),
			zap.Error(err),
		)
		return nil, err
	}

	s.emitter.Emit(ctx, events.TypeOrderCreated, events.OrderPayload(order))

	return &Checkout{
		OrderID:        order.ID,
		GatewayOrderID: remoteID,
		KeyID:          s.gateway.KeyID(),
		AmountMinor:    amountMinor,
		Currency:       s.settings.Currency,
		CompanyName:    s.settings.CompanyName,
		BookID:         book.ID,
		BookTitle:      book.Title,
		UserName:       user.Username,
		UserEmail:      user.Email,
		CallbackURL:    s.settings.CallbackURL,
	}, nil
}

func purchaseResult(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, ErrAlreadyPurchased):
		return "already_purchased"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, payment.ErrGateway), errors.Is(err, payment.ErrGatewayUnavailable):
		return "gateway_error"
	default:
		return "rejected"
	}
}
