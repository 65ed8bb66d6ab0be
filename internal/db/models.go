package db

import (
	"errors"
	"strings"
	"time"

	"github.com/bookstore/services/storefront/internal/orders"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DefaultCategory is assigned when an upload names no category.
const DefaultCategory = "Others"

// Book represents an uploaded book. ContentHash is nil only for rows
// that predate hashing.
type Book struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	Title         string          `gorm:"type:varchar(200);not null" json:"title"`
	Author        string          `gorm:"type:varchar(200)" json:"author"`
	Description   string          `gorm:"type:text" json:"description"`
	Category      string          `gorm:"type:varchar(100);not null;default:'Others';index" json:"category"`
	FileKey       string          `gorm:"type:varchar(500);not null" json:"-"`
	FileName      string          `gorm:"type:varchar(255);not null" json:"file_name"`
	CoverKey      *string         `gorm:"type:varchar(500)" json:"-"`
	OwnerID       string          `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	PurchasePrice decimal.Decimal `gorm:"type:numeric(10,2);not null" json:"purchase_price"`
	ContentHash   *string         `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	UploadedAt    time.Time       `gorm:"not null;index" json:"uploaded_at"`
}

// TableName specifies the table name for Book
func (Book) TableName() string {
	return "books"
}

// BeforeCreate fills defaults and rejects rows that would break ownership.
func (b *Book) BeforeCreate(tx *gorm.DB) error {
	if strings.TrimSpace(b.OwnerID) == "" {
		return errors.New("book owner is required")
	}
	if b.Category == "" {
		b.Category = DefaultCategory
	}
	if b.UploadedAt.IsZero() {
		b.UploadedAt = time.Now().UTC()
	}
	return nil
}

// Order is one purchase attempt against the payment gateway.
type Order struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	UserID           string          `gorm:"type:varchar(64);not null;index" json:"user_id"`
	BookID           uint            `gorm:"not null;index" json:"book_id"`
	Book             *Book           `gorm:"foreignKey:BookID;constraint:OnDelete:CASCADE" json:"book,omitempty"`
	OrderType        orders.Type     `gorm:"type:varchar(10);not null;default:'purchase'" json:"order_type"`
	Amount           decimal.Decimal `gorm:"type:numeric(10,2);not null" json:"amount"`
	GatewayOrderID   *string         `gorm:"column:razorpay_order_id;type:varchar(100);index" json:"razorpay_order_id,omitempty"`
	GatewayPaymentID *string         `gorm:"column:razorpay_payment_id;type:varchar(100)" json:"razorpay_payment_id,omitempty"`
	GatewaySignature *string         `gorm:"column:razorpay_signature;type:varchar(200)" json:"-"`
	Status           orders.Status   `gorm:"type:varchar(10);not null;default:'pending';index" json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
}

// TableName specifies the table name for Order
func (Order) TableName() string {
	return "orders"
}

// BeforeCreate only lets fresh pending purchase orders into the ledger.
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.Status == "" {
		o.Status = orders.StatusPending
	}
	if o.Status != orders.StatusPending {
		return orders.ErrIllegalTransition
	}
	if o.OrderType == "" {
		o.OrderType = orders.TypePurchase
	}
	if _, err := orders.ParseType(string(o.OrderType)); err != nil {
		return err
	}
	return nil
}

// Review is a single user's rating of a book.
type Review struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BookID    uint      `gorm:"not null;uniqueIndex:ux_reviews_book_user" json:"book_id"`
	Book      *Book     `gorm:"foreignKey:BookID;constraint:OnDelete:CASCADE" json:"-"`
	UserID    string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_reviews_book_user" json:"user_id"`
	Rating    int       `gorm:"not null;default:5;check:chk_reviews_rating,rating >= 1 AND rating <= 5" json:"rating"`
	Comment   string    `gorm:"type:text;not null" json:"comment"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for Review
func (Review) TableName() string {
	return "reviews"
}
