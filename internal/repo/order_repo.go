package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookstore/services/storefront/internal/db"
	"github.com/bookstore/services/storefront/internal/orders"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrOrderNotFound is returned when no order matches
	ErrOrderNotFound = errors.New("order not found")

	// ErrDuplicatePaidOrder is returned when a user already holds a paid order for the book
	ErrDuplicatePaidOrder = errors.New("paid order already exists for user and book")
)

// OrderRepository is the ledger of purchase attempts. Status changes go
// through conditional updates so concurrent writers cannot both win.
type OrderRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(database *db.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{
		db:  database,
		log: logger,
	}
}

// CreateOrder inserts a pending order.
func (r *OrderRepository) CreateOrder(ctx context.Context, order *db.Order) error {
	if order.Status != "" && order.Status != orders.StatusPending {
		return fmt.Errorf("create order: %w", orders.ErrIllegalTransition)
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		r.log.Error("Failed to create order",
			zap.String("user_id", order.UserID),
			zap.Uint("book_id", order.BookID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to create order: %w", err)
	}

	r.log.Info("Order created",
		zap.Uint("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.Uint("book_id", order.BookID),
		zap.String("amount", order.Amount.StringFixed(2)),
	)
	return nil
}

// GetOrder retrieves an order by ID
func (r *OrderRepository) GetOrder(ctx context.Context, id uint) (*db.Order, error) {
	var order db.Order
	err := r.db.WithContext(ctx).First(&order, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// HasPaidPurchase reports whether the user holds a paid purchase of the book.
func (r *OrderRepository) HasPaidPurchase(ctx context.Context, userID string, bookID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Order{}).
		Where("user_id = ? AND book_id = ? AND order_type = ? AND status = ?",
			userID, bookID, orders.TypePurchase, orders.StatusPaid).
		Count(&count).Error
	if err != nil {
		r.log.Error("Failed to check paid purchase", zap.String("user_id", userID), zap.Uint("book_id", bookID), zap.Error(err))
		return false, err
	}
	return count > 0, nil
}

// FindByGatewayOrderID returns the newest order carrying the remote order id
// whose status is one of statuses. No statuses means any status.
func (r *OrderRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string, statuses ...orders.Status) (*db.Order, error) {
	query := r.db.WithContext(ctx).Where("razorpay_order_id = ?", gatewayOrderID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var order db.Order
	err := query.Order("id DESC").Preload("Book").First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		r.log.Error("Failed to find order", zap.String("razorpay_order_id", gatewayOrderID), zap.Error(err))
		return nil, err
	}
	return &order, nil
}

// MarkPaid moves a pending order to paid and records the gateway proof.
// The update only matches a pending row, so of two concurrent calls exactly
// one succeeds and the other gets orders.ErrIllegalTransition.
func (r *OrderRepository) MarkPaid(ctx context.Context, orderID uint, paymentID, signature string, paidAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Order{}).
		Where("id = ? AND status = ?", orderID, orders.StatusPending).
		Updates(map[string]interface{}{
			"status":              orders.StatusPaid,
			"razorpay_payment_id": paymentID,
			"razorpay_signature":  signature,
			"paid_at":             paidAt.UTC(),
		})
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicatePaidOrder
		}
		r.log.Error("Failed to mark order paid", zap.Uint("order_id", orderID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.rejectTransition(ctx, orderID, orders.StatusPaid)
	}

	r.log.Info("Order paid", zap.Uint("order_id", orderID), zap.String("payment_id", paymentID))
	return nil
}

// MarkFailed moves a pending order to failed. Failing an already failed
// order is a no-op; a paid order is never downgraded.
func (r *OrderRepository) MarkFailed(ctx context.Context, orderID uint) error {
	result := r.db.WithContext(ctx).
		Model(&db.Order{}).
		Where("id = ? AND status = ?", orderID, orders.StatusPending).
		Update("status", orders.StatusFailed)
	if result.Error != nil {
		r.log.Error("Failed to mark order failed", zap.Uint("order_id", orderID), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		err := r.rejectTransition(ctx, orderID, orders.StatusFailed)
		if errors.Is(err, errAlreadyInState) {
			return nil
		}
		return err
	}

	r.log.Info("Order failed", zap.Uint("order_id", orderID))
	return nil
}

var errAlreadyInState = errors.New("order already in target state")

// rejectTransition explains why a conditional update matched no row.
func (r *OrderRepository) rejectTransition(ctx context.Context, orderID uint, to orders.Status) error {
	current, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	switch {
	case current.Status == to:
		return fmt.Errorf("%w: %w", orders.ErrIllegalTransition, errAlreadyInState)
	case !current.Status.Valid():
		r.log.Error("Order has unknown status", zap.Uint("order_id", orderID), zap.String("status", string(current.Status)))
		return fmt.Errorf("%w: order %d has unknown status %q", orders.ErrIllegalTransition, orderID, current.Status)
	case current.Status.IsTerminal():
		return orders.Transition(current.Status, to)
	}
	// The row was pending when re-read; another writer raced us.
	return fmt.Errorf("%w: concurrent update of order %d", orders.ErrIllegalTransition, orderID)
}

// ListPurchasesByUser returns the user's paid purchases, most recently paid first.
func (r *OrderRepository) ListPurchasesByUser(ctx context.Context, userID string) ([]*db.Order, error) {
	var result []*db.Order
	err := r.db.WithContext(ctx).
		Preload("Book").
		Where("user_id = ? AND order_type = ? AND status = ?", userID, orders.TypePurchase, orders.StatusPaid).
		Order("paid_at DESC").
		Find(&result).Error
	if err != nil {
		r.log.Error("Failed to list purchases", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	return result, nil
}

// ListSalesForOwner returns paid purchases of the owner's books made by other users.
func (r *OrderRepository) ListSalesForOwner(ctx context.Context, ownerID string) ([]*db.Order, error) {
	var result []*db.Order
	err := r.db.WithContext(ctx).
		Preload("Book").
		Joins("JOIN books ON books.id = orders.book_id").
		Where("books.owner_id = ? AND orders.user_id <> ? AND orders.order_type = ? AND orders.status = ?",
			ownerID, ownerID, orders.TypePurchase, orders.StatusPaid).
		Order("orders.created_at DESC").
		Find(&result).Error
	if err != nil {
		r.log.Error("Failed to list sales", zap.String("owner_id", ownerID), zap.Error(err))
		return nil, err
	}
	return result, nil
}

// TotalEarnings sums paid purchase amounts across the owner's books.
func (r *OrderRepository) TotalEarnings(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := r.db.WithContext(ctx).
		Model(&db.Order{}).
		Select("SUM(orders.amount)").
		Joins("JOIN books ON books.id = orders.book_id").
		Where("books.owner_id = ? AND orders.order_type = ? AND orders.status = ?",
			ownerID, orders.TypePurchase, orders.StatusPaid).
		Row().Scan(&total)
	if err != nil {
		r.log.Error("Failed to sum earnings", zap.String("owner_id", ownerID), zap.Error(err))
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}
