package events

import (
	"context"
	"sync"
	"time"

	"github.com/bookstore/services/storefront/internal/db"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const emitTimeout = 10 * time.Second

// Emitter publishes events off the request path. A broker outage is
// logged and never changes the outcome of the request that raised the event.
type Emitter struct {
	bus Bus
	log *zap.Logger
	wg  sync.WaitGroup
}

func NewEmitter(bus Bus, log *zap.Logger) *Emitter {
	if bus == nil {
		bus = Nop{}
	}
	return &Emitter{bus: bus, log: log}
}

// Emit publishes in the background. The request id in ctx is carried over,
// its cancellation is not.
func (e *Emitter) Emit(ctx context.Context, eventType string, payload map[string]interface{}) {
	reqID := middleware.GetReqID(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		bg := context.WithValue(context.Background(), middleware.RequestIDKey, reqID)
		bg, cancel := context.WithTimeout(bg, emitTimeout)
		defer cancel()
		if err := e.bus.Publish(bg, eventType, payload); err != nil {
			e.log.Error("Failed to publish event", zap.String("event_type", eventType), zap.Error(err))
		}
	}()
}

// Wait blocks until every pending Emit has finished.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

func BookPayload(b *db.Book) map[string]interface{} {
	return map[string]interface{}{
		"book_id":        b.ID,
		"title":          b.Title,
		"author":         b.Author,
		"category":       b.Category,
		"owner_id":       b.OwnerID,
		"purchase_price": b.PurchasePrice.StringFixed(2),
	}
}

func OrderPayload(o *db.Order) map[string]interface{} {
	payload := map[string]interface{}{
		"order_id":   o.ID,
		"user_id":    o.UserID,
		"book_id":    o.BookID,
		"order_type": string(o.OrderType),
		"amount":     o.Amount.StringFixed(2),
		"status":     string(o.Status),
	}
	if o.GatewayOrderID != nil {
		payload["razorpay_order_id"] = *o.GatewayOrderID
	}
	if o.GatewayPaymentID != nil {
		payload["razorpay_payment_id"] = *o.GatewayPaymentID
	}
	if o.PaidAt != nil {
		payload["paid_at"] = o.PaidAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func ReviewPayload(r *db.Review) map[string]interface{} {
	return map[string]interface{}{
		"review_id": r.ID,
		"book_id":   r.BookID,
		"user_id":   r.UserID,
		"rating":    r.Rating,
	}
}
