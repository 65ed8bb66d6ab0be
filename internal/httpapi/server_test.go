package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bookstore/services/storefront/internal/auth"
	"github.com/bookstore/services/storefront/internal/catalog"
	"github.com/bookstore/services/storefront/internal/db"
	"github.com/bookstore/services/storefront/internal/db/dbtest"
	"github.com/bookstore/services/storefront/internal/entitlement"
	"github.com/bookstore/services/storefront/internal/events"
	"github.com/bookstore/services/storefront/internal/events/eventstest"
	"github.com/bookstore/services/storefront/internal/integrity"
	"github.com/bookstore/services/storefront/internal/orders"
	"github.com/bookstore/services/storefront/internal/paths"
	"github.com/bookstore/services/storefront/internal/payment"
	"github.com/bookstore/services/storefront/internal/purchase"
	"github.com/bookstore/services/storefront/internal/ratelimit"
	"github.com/bookstore/services/storefront/internal/repo"
	"github.com/bookstore/services/storefront/internal/storage/storagetest"
	"github.com/bookstore/services/storefront/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret      = "test-jwt-secret"
	gatewaySecret  = "rzp_secret"
	callbackLimit  = 5
	ownerID        = "U"
	buyerID        = "V"
	strangerUserID = "W"
)

type env struct {
	database *db.DB
	server   *httptest.Server
	tokens   *auth.Tokens
	ledger   *repo.OrderRepository
	store    *storagetest.Memory
	emitter  *events.Emitter
	failures atomic.Int32
}

// fakeRazorpay answers order creation like the processor, failing with a
// 500 while failures is positive.
func (e *env) fakeRazorpay(w http.ResponseWriter, r *http.Request) {
	if e.failures.Add(-1) >= 0 {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"SERVER_ERROR","description":"down"}}`))
		return
	}
	var body struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Receipt  string `json:"receipt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       "order_" + body.Receipt,
		"entity":   "order",
		"amount":   body.Amount,
		"currency": body.Currency,
		"receipt":  body.Receipt,
		"status":   "created",
	})
}

func newEnv(t *testing.T, configure ...func(*Options)) *env {
	log := logger.NewLogger("test", "info")
	database := dbtest.New(t)
	e := &env{database: database, store: storagetest.NewMemory()}

	razorpay := httptest.NewServer(http.HandlerFunc(e.fakeRazorpay))
	t.Cleanup(razorpay.Close)
	gateway, err := payment.NewRazorpayGateway(payment.RazorpayConfig{
		KeyID:     "rzp_test_key",
		KeySecret: gatewaySecret,
		BaseURL:   razorpay.URL,
		Timeout:   2 * time.Second,
	}, log)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test", callbackLimit, time.Minute, log)
	require.NoError(t, err)

	books := repo.NewBookRepository(database, log)
	e.ledger = repo.NewOrderRepository(database, log)
	reviews := repo.NewReviewRepository(database, log)
	e.emitter = events.NewEmitter(&eventstest.Recorder{}, log)
	resolver := entitlement.NewResolver(e.ledger, reviews)

	e.tokens, err = auth.NewTokens(jwtSecret, "bookstore")
	require.NoError(t, err)

	opts := Options{
		Catalog: catalog.NewService(books, e.ledger, reviews, resolver, integrity.NewChecker(books, log),
			e.store, e.emitter, catalog.Settings{ReadURLExpiry: time.Minute}, log),
		Purchases: purchase.NewService(books, e.ledger, gateway, nil, e.emitter, purchase.Settings{
			Currency:    "INR",
			CompanyName: "Book Store",
			CallbackURL: "http://localhost/books/payment/callback",
		}, log),
		Callbacks:       purchase.NewCallbackHandler(e.ledger, books, gateway, e.emitter, log),
		Tokens:          e.tokens,
		CallbackLimiter: limiter,
		MaxUploadBytes:  1 << 20,
		Logger:          log,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	e.server = httptest.NewServer(NewRouter(opts))
	t.Cleanup(func() {
		e.server.Close()
		e.emitter.Wait()
	})
	return e
}

func (e *env) token(t *testing.T, userID string) string {
	tok, err := e.tokens.Issue(auth.User{ID: userID, Username: strings.ToLower(userID)}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, userID string, body io.Reader, contentType string) (*http.Response, map[string]interface{}) {
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	} else {
		out = map[string]interface{}{"raw": string(raw)}
	}
	return resp, out
}

func (e *env) postForm(t *testing.T, path, userID string, form url.Values) (*http.Response, map[string]interface{}) {
	return e.do(t, http.MethodPost, path, userID, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
}

func (e *env) upload(t *testing.T, userID, title string, content []byte) (*http.Response, map[string]interface{}) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{
		"title":          title,
		"author":         "Author",
		"description":    "About " + title,
		"category":       "BCA",
		"purchase_price": "100.00",
	} {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", strings.ToLower(title)+".pdf")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return e.do(t, http.MethodPost, "/books/upload", userID, &buf, mw.FormDataContentType())
}

func (e *env) uploadBook(t *testing.T, title string) uint {
	resp, body := e.upload(t, ownerID, title, []byte("%PDF "+title))
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	data := body["data"].(map[string]interface{})
	return uint(data["id"].(float64))
}

func (e *env) checkout(t *testing.T, userID string, bookID uint) string {
	resp, body := e.do(t, http.MethodPost, fmt.Sprintf("/books/book/%d/order/purchase", bookID), userID, nil, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	return body["data"].(map[string]interface{})["razorpay_order_id"].(string)
}

func confirmation(remoteID, paymentID string) url.Values {
	return url.Values{
		"razorpay_order_id":   {remoteID},
		"razorpay_payment_id": {paymentID},
		"razorpay_signature":  {payment.Sign([]byte(gatewaySecret), remoteID, paymentID)},
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = e.do(t, http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHomeAndAuth(t *testing.T) {
	e := newEnv(t)

	_, body := e.do(t, http.MethodGet, "/", "", nil, "")
	assert.Empty(t, body["redirect"])

	_, body = e.do(t, http.MethodGet, "/", buyerID, nil, "")
	assert.Equal(t, paths.BookList, body["redirect"])

	resp, _ := e.do(t, http.MethodGet, "/accounts/profile", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/books/list", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, raw.StatusCode)
}

func TestUploadAndBrowse(t *testing.T) {
	e := newEnv(t)

	resp, body := e.upload(t, ownerID, "Networks", []byte("%PDF networks"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "Book 'Networks' uploaded successfully!", body["message"])
	id := uint(body["data"].(map[string]interface{})["id"].(float64))
	assert.Equal(t, paths.BookDetail(id), body["redirect"])

	resp, body = e.upload(t, ownerID, "Copy", []byte("%PDF networks"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "This book file has already been uploaded.", body["errors"].(map[string]interface{})["file"])

	resp, _ = e.upload(t, "", "Anon", []byte("%PDF anon"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/books/list?category=BCA", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"].(map[string]interface{})["books"], 1)

	resp, body = e.do(t, http.MethodGet, fmt.Sprintf("/books/book/%d", id), strangerUserID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rights := body["data"].(map[string]interface{})["entitlements"].(map[string]interface{})
	assert.Equal(t, false, rights["can_read"])

	resp, _ = e.do(t, http.MethodGet, "/books/book/999", "", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadTooLarge(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.upload(t, ownerID, "Huge", bytes.Repeat([]byte("x"), 1<<20+1024))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestPurchaseFlow(t *testing.T) {
	e := newEnv(t)
	bookID := e.uploadBook(t, "Compilers")

	resp, body := e.do(t, http.MethodGet, fmt.Sprintf("/books/book/%d/read", bookID), buyerID, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "You must purchase this book to read it.", body["message"])
	assert.Equal(t, paths.BookDetail(bookID), body["redirect"])

	remoteID := e.checkout(t, buyerID, bookID)

	resp, body = e.postForm(t, "/books/payment/callback", "", confirmation(remoteID, "pay_1"))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "paid", body["status"])
	assert.Equal(t, "Payment successful! You can now read 'Compilers' in the app reader.", body["message"])
	assert.Equal(t, paths.ReadBook(bookID), body["redirect"])

	resp, body = e.postForm(t, "/books/payment/callback", "", confirmation(remoteID, "pay_1"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["status"])

	resp, body = e.do(t, http.MethodGet, fmt.Sprintf("/books/book/%d/read", bookID), buyerID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body["data"].(map[string]interface{})["book_file_url"], "memory://")

	resp, body = e.do(t, http.MethodGet, fmt.Sprintf("/books/fullscreen_reader?book_pk=%d&page=4", bookID), buyerID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, float64(4), body["data"].(map[string]interface{})["initial_page"])

	resp, body = e.do(t, http.MethodPost, fmt.Sprintf("/books/book/%d/order/purchase", bookID), buyerID, nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, paths.ReadBook(bookID), body["redirect"])

	resp, body = e.do(t, http.MethodGet, fmt.Sprintf("/books/book/%d/download", bookID), buyerID, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, paths.ReadBook(bookID), body["redirect"])

	resp, body = e.do(t, http.MethodGet, fmt.Sprintf("/books/book/%d/download", bookID), ownerID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "%PDF Compilers", body["raw"])
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "compilers.pdf")

	resp, body = e.do(t, http.MethodGet, "/accounts/dashboard", ownerID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	earnings := decimal.RequireFromString(body["data"].(map[string]interface{})["total_earnings"].(string))
	assert.True(t, earnings.Equal(decimal.RequireFromString("100.00")), earnings.String())

	resp, body = e.do(t, http.MethodGet, "/accounts/profile", buyerID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"].(map[string]interface{})["purchased_orders"], 1)
}

func TestOrderRejections(t *testing.T) {
	e := newEnv(t)
	bookID := e.uploadBook(t, "Databases")

	resp, body := e.do(t, http.MethodPost, fmt.Sprintf("/books/book/%d/order/borrow", bookID), buyerID, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid order type. Only purchase is allowed.", body["message"])

	resp, _ = e.do(t, http.MethodPost, "/books/book/999/order/purchase", buyerID, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, fmt.Sprintf("/books/book/%d/order/purchase", bookID), buyerID, nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGatewayOutageLeavesNoOrder(t *testing.T) {
	e := newEnv(t)
	bookID := e.uploadBook(t, "Graphics")
	e.failures.Store(2)

	resp, body := e.do(t, http.MethodPost, fmt.Sprintf("/books/book/%d/order/purchase", bookID), buyerID, nil, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotContains(t, body["message"], "SERVER_ERROR")

	var count int64
	require.NoError(t, e.database.Model(&db.Order{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCallbackFailures(t *testing.T) {
	e := newEnv(t)
	bookID := e.uploadBook(t, "Algorithms")
	remoteID := e.checkout(t, buyerID, bookID)

	resp, body := e.postForm(t, "/books/payment/callback", "", url.Values{"razorpay_order_id": {remoteID}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_data", body["status"])

	forged := confirmation(remoteID, "pay_x")
	forged.Set("razorpay_signature", strings.Repeat("0", 64))
	resp, body = e.postForm(t, "/books/payment/callback", "", forged)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "verification_failed", body["status"])
	assert.Equal(t, "Payment verification failed. Please contact support.", body["message"])

	order, err := e.ledger.FindByGatewayOrderID(context.Background(), remoteID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusFailed, order.Status)

	resp, _ = e.postForm(t, "/books/payment/callback", "", confirmation(remoteID, "pay_x"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/books/payment/callback", "", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCallbackRateLimited(t *testing.T) {
	e := newEnv(t)
	var last int
	for i := 0; i <= callbackLimit; i++ {
		resp, _ := e.postForm(t, "/books/payment/callback", "", url.Values{})
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func (e *env) callbackFrom(t *testing.T, forwardedFor string) int {
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/books/payment/callback", strings.NewReader(""))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestCallbackRateLimitIgnoresForwardedFor(t *testing.T) {
	e := newEnv(t)
	var last int
	for i := 0; i <= callbackLimit; i++ {
		last = e.callbackFrom(t, fmt.Sprintf("203.0.113.%d", i+1))
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestCallbackRateLimitBehindTrustedProxy(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.TrustProxyHeaders = true })
	for i := 0; i <= callbackLimit; i++ {
		assert.Equal(t, http.StatusBadRequest, e.callbackFrom(t, fmt.Sprintf("203.0.113.%d", i+1)))
	}
	for i := 0; i < callbackLimit; i++ {
		e.callbackFrom(t, "198.51.100.7")
	}
	assert.Equal(t, http.StatusTooManyRequests, e.callbackFrom(t, "198.51.100.7"))
}

func TestReviewFlow(t *testing.T) {
	e := newEnv(t)
	bookID := e.uploadBook(t, "Security")
	path := fmt.Sprintf("/books/book/%d/add_review", bookID)

	resp, body := e.postForm(t, path, strangerUserID, url.Values{"rating": {"5"}, "comment": {"great"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "You must purchase this book to leave a review.", body["message"])

	remoteID := e.checkout(t, buyerID, bookID)
	resp, _ = e.postForm(t, "/books/payment/callback", "", confirmation(remoteID, "pay_r"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.postForm(t, path, buyerID, url.Values{"rating": {"nine"}, "comment": {"x"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["errors"], "rating")

	resp, body = e.postForm(t, path, buyerID, url.Values{"rating": {"4"}, "comment": {"solid"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "Your review has been added!", body["message"])

	resp, body = e.postForm(t, path, buyerID, url.Values{"rating": {"4"}, "comment": {"again"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "You have already submitted a review for this book.", body["message"])
}

func TestFullscreenReaderValidation(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/books/fullscreen_reader", buyerID, nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Book identifier is missing for full-screen reader.", body["message"])
	assert.Equal(t, paths.BookList, body["redirect"])

	resp, _ = e.do(t, http.MethodGet, "/books/fullscreen_reader?book_pk=42", buyerID, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
