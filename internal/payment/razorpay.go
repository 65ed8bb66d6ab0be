package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bookstore/services/storefront/internal/metrics"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	createOrderPath = "/v1/orders"

	// One retry at most; remote order creation is not idempotent.
	maxCreateAttempts = 2
	retryBackoff      = 200 * time.Millisecond
)

// RazorpayConfig configures the Razorpay adapter.
type RazorpayConfig struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	Timeout   time.Duration
}

// RazorpayGateway implements Gateway against the Razorpay orders API.
type RazorpayGateway struct {
	client    *resty.Client
	keyID     string
	keySecret []byte
	log       *zap.Logger
}

type createOrderBody struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Receipt        string            `json:"receipt"`
	PaymentCapture int               `json:"payment_capture"`
	Notes          map[string]string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID       string `json:"id"`
	Entity   string `json:"entity"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func NewRazorpayGateway(cfg RazorpayConfig, log *zap.Logger) (*RazorpayGateway, error) {
	if cfg.KeyID == "" || cfg.KeySecret == "" {
		return nil, ErrGatewayUnavailable
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetBasicAuth(cfg.KeyID, cfg.KeySecret).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &RazorpayGateway{
		client:    client,
		keyID:     cfg.KeyID,
		keySecret: []byte(cfg.KeySecret),
		log:       log,
	}, nil
}

func (g *RazorpayGateway) KeyID() string {
	return g.keyID
}

// CreateRemoteOrder opens an order with auto-capture. A transport error or
// 5xx answer is retried once under a new receipt so the processor cannot
// merge the two attempts into a duplicate order.
func (g *RazorpayGateway) CreateRemoteOrder(ctx context.Context, req RemoteOrderRequest) (*RemoteOrder, error) {
	if req.AmountMinor <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrGateway)
	}
	receipt := req.Receipt
	if receipt == "" {
		receipt = NewReceipt()
	}

	var lastErr error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		if attempt > 1 {
			receipt = NewReceipt()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrGateway, ctx.Err())
			case <-time.After(retryBackoff):
			}
		}

		order, retryable, err := g.createOnce(ctx, req, receipt)
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		g.log.Warn("Remote order creation failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("receipt", receipt),
			zap.Error(err),
		)
	}

	g.log.Error("Remote order creation failed", zap.Error(lastErr))
	return nil, lastErr
}

func (g *RazorpayGateway) createOnce(ctx context.Context, req RemoteOrderRequest, receipt string) (_ *RemoteOrder, retryable bool, err error) {
	start := time.Now()
	defer func() { metrics.ObserveGateway("create_order", start, err) }()

	var out orderResponse
	var apiErr errorResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(createOrderBody{
			Amount:         req.AmountMinor,
			Currency:       req.Currency,
			Receipt:        receipt,
			PaymentCapture: 1,
			Notes:          req.Notes,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post(createOrderPath)
	if err != nil {
		// Caller cancellation is final; timeouts and network errors are not.
		retry := !errors.Is(err, context.Canceled)
		return nil, retry, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	if resp.IsError() {
		err = fmt.Errorf("%w: status %d %s %s", ErrGateway, resp.StatusCode(), apiErr.Error.Code, apiErr.Error.Description)
		return nil, resp.StatusCode() >= http.StatusInternalServerError, err
	}
	if out.ID == "" {
		return nil, false, fmt.Errorf("%w: response without order id", ErrGateway)
	}

	g.log.Info("Remote order created",
		zap.String("razorpay_order_id", out.ID),
		zap.String("receipt", receipt),
		zap.Int64("amount", out.Amount),
	)
	return &RemoteOrder{
		ID:       out.ID,
		Amount:   out.Amount,
		Currency: out.Currency,
		Receipt:  out.Receipt,
		Status:   out.Status,
	}, false, nil
}

// VerifySignature checks the processor's HMAC-SHA256 over "order_id|payment_id".
func (g *RazorpayGateway) VerifySignature(orderID, paymentID, signature string) error {
	start := time.Now()
	err := VerifySignature(g.keySecret, orderID, paymentID, signature)
	metrics.ObserveGateway("verify_signature", start, err)
	return err
}

// Sign produces the signature the processor would attach to a payment.
func Sign(secret []byte, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature against Sign in constant time.
func VerifySignature(secret []byte, orderID, paymentID, signature string) error {
	expected := Sign(secret, orderID, paymentID)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return &SignatureError{OrderID: orderID, PaymentID: paymentID}
	}
	return nil
}
