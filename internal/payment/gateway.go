// Package payment talks to the external payment processor: it creates
// remote orders and verifies signed payment confirmations.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrGateway covers processor failures: unreachable, timeout, rejection.
	ErrGateway = errors.New("payment gateway error")

	// ErrSignatureVerification is a gateway error raised when a confirmation
	// was not signed by the processor.
	ErrSignatureVerification = fmt.Errorf("%w: signature verification failed", ErrGateway)

	// ErrGatewayUnavailable means no credentials are configured.
	ErrGatewayUnavailable = errors.New("payment service not available")
)

// SignatureError identifies the confirmation that failed verification.
// Its message never includes the expected signature.
type SignatureError struct {
	OrderID   string
	PaymentID string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature verification failed for order %s", e.OrderID)
}

func (e *SignatureError) Unwrap() error { return ErrSignatureVerification }

// RemoteOrderRequest is what the processor needs to open a checkout.
type RemoteOrderRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

// RemoteOrder is the processor's view of a created order.
type RemoteOrder struct {
	ID       string
	Amount   int64
	Currency string
	Receipt  string
	Status   string
}

// Gateway is the payment processor as seen by the purchase flow.
type Gateway interface {
	CreateRemoteOrder(ctx context.Context, req RemoteOrderRequest) (*RemoteOrder, error)
	VerifySignature(orderID, paymentID, signature string) error
	KeyID() string
}

// ToMinorUnits converts a currency amount to its smallest unit,
// truncating any fraction below it.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Truncate(0).IntPart()
}

// NewReceipt returns a fresh receipt id. Processors cap receipts at 40
// characters, so the id is a shortened uuid.
func NewReceipt() string {
	return "rcpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
