package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bookstore/services/storefront/internal/db"
	"github.com/bookstore/services/storefront/internal/events"
	"github.com/bookstore/services/storefront/internal/metrics"
	"github.com/bookstore/services/storefront/internal/orders"
	"github.com/bookstore/services/storefront/internal/paths"
	"github.com/bookstore/services/storefront/internal/payment"
	"github.com/bookstore/services/storefront/internal/repo"
	"go.uber.org/zap"
)

// Outcome classifies how a payment confirmation was settled.
type Outcome string

const (
	OutcomePaid               Outcome = "paid"
	OutcomeMissingData        Outcome = "missing_data"
	OutcomeVerificationFailed Outcome = "verification_failed"
	OutcomeNotFound           Outcome = "not_found"
	OutcomeInvalidOrderType   Outcome = "invalid_order_type"
	OutcomeDuplicatePurchase  Outcome = "duplicate_purchase"
	OutcomeUnavailable        Outcome = "unavailable"
	OutcomeError              Outcome = "error"
)

const (
	msgMissingData      = "Missing payment data"
	msgVerification     = "Payment verification failed. Please contact support."
	msgNotFound         = "Order not found or already processed."
	msgInvalidOrderType = "Invalid order type for this payment."
	msgDuplicate        = "You already own this book. Please contact support about the duplicate payment."
	msgUnavailable      = "Payment service is not available"
	msgError            = "An error occurred while processing your payment. Please contact support."
)

const settleTimeout = 15 * time.Second

// Confirmation is the signed triple the gateway posts back after checkout.
type Confirmation struct {
	OrderID   string
	PaymentID string
	Signature string
}

func (c Confirmation) normalized() Confirmation {
	return Confirmation{
		OrderID:   strings.TrimSpace(c.OrderID),
		PaymentID: strings.TrimSpace(c.PaymentID),
		Signature: strings.TrimSpace(c.Signature),
	}
}

// Result is the user-facing answer to a confirmation.
type Result struct {
	Outcome  Outcome `json:"status"`
	Message  string  `json:"message"`
	Redirect string  `json:"redirect"`
	OrderID  uint    `json:"order_id,omitempty"`
	BookID   uint    `json:"book_id,omitempty"`
}

// CallbackHandler settles payment confirmations against the ledger.
//
// Only a pending order can become paid and the paid update is conditional
// on the row still being pending, so duplicate or concurrent deliveries of
// one confirmation produce exactly one transition. Every later delivery
// finds no pending order and is answered as already processed.
type CallbackHandler struct {
	ledger  Ledger
	books   BookFinder
	gateway payment.Gateway
	emitter *events.Emitter
	log     *zap.Logger
	now     func() time.Time
}

// NewCallbackHandler creates a handler. A nil gateway answers every confirmation as unavailable.
func NewCallbackHandler(ledger Ledger, books BookFinder, gateway payment.Gateway, emitter *events.Emitter, log *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		ledger:  ledger,
		books:   books,
		gateway: gateway,
		emitter: emitter,
		log:     log,
		now:     time.Now,
	}
}

// Handle never returns an error: every failure is folded into a Result and,
// where an order is implicated and not yet paid, into a failed order.
// Cancellation of ctx is ignored; its values (request id) are kept.
func (h *CallbackHandler) Handle(ctx context.Context, in Confirmation) (res Result) {
	// A captured payment is settled even if the client has gone away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	c := in.normalized()
	log := h.log.With(zap.String("razorpay_order_id", c.OrderID), zap.String("razorpay_payment_id", c.PaymentID))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Panic while settling payment", zap.Any("panic", rec), zap.Stack("stack"))
			res = h.failSafe(ctx, log, c.OrderID, fmt.Errorf("panic: %v", rec))
		}
		metrics.PaymentCallbacks.WithLabelValues(string(res.Outcome)).Inc()
	}()

	if c.OrderID == "" || c.PaymentID == "" || c.Signature == "" {
		log.Warn("Payment callback missing data")
		return Result{Outcome: OutcomeMissingData, Message: msgMissingData, Redirect: paths.Home}
	}
	if h.gateway == nil {
		log.Error("Payment callback received with no gateway configured")
		return Result{Outcome: OutcomeUnavailable, Message: msgUnavailable, Redirect: paths.Home}
	}

	if err := h.gateway.VerifySignature(c.OrderID, c.PaymentID, c.Signature); err != nil {
		if !errors.Is(err, payment.ErrSignatureVerification) {
			return h.failSafe(ctx, log, c.OrderID, err)
		}
		log.Warn("Payment signature verification failed")
		h.failUnlessPaid(ctx, log, c.OrderID)
		return Result{Outcome: OutcomeVerificationFailed, Message: msgVerification, Redirect: paths.Home}
	}

	order, err := h.ledger.FindByGatewayOrderID(ctx, c.OrderID, orders.StatusPending)
	if errors.Is(err, repo.ErrOrderNotFound) {
		log.Info("Payment callback for unknown or settled order")
		return Result{Outcome: OutcomeNotFound, Message: msgNotFound, Redirect: paths.Home}
	}
	if err != nil {
		return h.failSafe(ctx, log, c.OrderID, err)
	}

	if order.OrderType != orders.TypePurchase {
		log.Warn("Payment callback for non-purchase order", zap.String("order_type", string(order.OrderType)))
		return Result{Outcome: OutcomeInvalidOrderType, Message: msgInvalidOrderType, Redirect: paths.Home, OrderID: order.ID}
	}

	paidAt := h.now().UTC()
	err = h.ledger.MarkPaid(ctx, order.ID, c.PaymentID, c.Signature, paidAt)
	switch {
	case err == nil:
	case errors.Is(err, orders.ErrIllegalTransition):
		log.Info("Order settled by a concurrent callback", zap.Uint("order_id", order.ID))
		return Result{Outcome: OutcomeNotFound, Message: msgNotFound, Redirect: paths.Home}
	case errors.Is(err, repo.ErrDuplicatePaidOrder):
		// Money was captured twice for one entitlement; refunds are manual.
		log.Error("Second paid order for the same user and book, refund required",
			zap.Uint("order_id", order.ID),
			zap.String("user_id", order.UserID),
			zap.Uint("book_id", order.BookID),
		)
		h.markFailed(ctx, log, order)
		return Result{Outcome: OutcomeDuplicatePurchase, Message: msgDuplicate, Redirect: paths.ReadBook(order.BookID), OrderID: order.ID, BookID: order.BookID}
	default:
		return h.failSafe(ctx, log, c.OrderID, err)
	}

	order.Status = orders.StatusPaid
	order.GatewayPaymentID = &c.PaymentID
	order.GatewaySignature = &c.Signature
	order.PaidAt = &paidAt
	h.emitter.Emit(ctx, events.TypeOrderPaid, events.OrderPayload(order))

	log.Info("Payment settled", zap.Uint("order_id", order.ID), zap.Uint("book_id", order.BookID))
	return Result{
		Outcome:  OutcomePaid,
		Message:  fmt.Sprintf("Payment successful! You can now read '%s' in the app reader.", h.bookTitle(ctx, order)),
		Redirect: paths.ReadBook(order.BookID),
		OrderID:  order.ID,
		BookID:   order.BookID,
	}
}

// failUnlessPaid fails the order a forged or corrupted confirmation names,
// leaving a paid order untouched.
func (h *CallbackHandler) failUnlessPaid(ctx context.Context, log *zap.Logger, gatewayOrderID string) {
	order, err := h.ledger.FindByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		if !errors.Is(err, repo.ErrOrderNotFound) {
			log.Error("Failed to look up order after signature failure", zap.Error(err))
		}
		return
	}
	if order.Status.IsTerminal() {
		return
	}
	h.markFailed(ctx, log, order)
}

// failSafe is the catch-all: best effort fail the implicated order unless
// it is already paid, then answer generically.
func (h *CallbackHandler) failSafe(ctx context.Context, log *zap.Logger, gatewayOrderID string, cause error) Result {
	log.Error("Unexpected error while settling payment", zap.Error(cause))

	if gatewayOrderID != "" {
		order, err := h.ledger.FindByGatewayOrderID(ctx, gatewayOrderID, orders.StatusPending, orders.StatusPaid)
		switch {
		case err == nil && order.Status != orders.StatusPaid:
			h.markFailed(ctx, log, order)
		case err != nil && !errors.Is(err, repo.ErrOrderNotFound):
			log.Error("Failed to look up order in catch-all", zap.Error(err))
		}
	}
	return Result{Outcome: OutcomeError, Message: msgError, Redirect: paths.Home}
}

func (h *CallbackHandler) markFailed(ctx context.Context, log *zap.Logger, order *db.Order) {
	if order.Status == orders.StatusFailed {
		return
	}
	if err := h.ledger.MarkFailed(ctx, order.ID); err != nil {
		// A concurrent callback may have paid it in between; that wins.
		log.Warn("Could not mark order failed", zap.Uint("order_id", order.ID), zap.Error(err))
		return
	}
	order.Status = orders.StatusFailed
	h.emitter.Emit(ctx, events.TypeOrderFailed, events.OrderPayload(order))
}

func (h *CallbackHandler) bookTitle(ctx context.Context, order *db.Order) string {
	if order.Book != nil {
		return order.Book.Title
	}
	book, err := h.books.GetBook(ctx, order.BookID)
	if err != nil {
		return "your book"
	}
	return book.Title
}
