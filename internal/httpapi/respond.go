package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bookstore/services/storefront/internal/auth"
	"github.com/bookstore/services/storefront/internal/catalog"
	"github.com/bookstore/services/storefront/internal/orders"
	"github.com/bookstore/services/storefront/internal/paths"
	"github.com/bookstore/services/storefront/internal/payment"
	"github.com/bookstore/services/storefront/internal/purchase"
	"github.com/bookstore/services/storefront/internal/repo"
	"go.uber.org/zap"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

// envelope is the body of every non-file response.
type envelope struct {
	Status   string            `json:"status"`
	Message  string            `json:"message,omitempty"`
	Redirect string            `json:"redirect,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
	Data     interface{}       `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, code int, message, redirect string, data interface{}) {
	writeJSON(w, code, envelope{Status: statusOK, Message: message, Redirect: redirect, Data: data})
}

func fail(w http.ResponseWriter, code int, message, redirect string) {
	writeJSON(w, code, envelope{Status: statusError, Message: message, Redirect: redirect})
}

// writeError maps a service error to a status and a user-facing message.
// Gateway and unexpected errors are logged and never echoed to the client.
// bookID, when set, is used to send the user back to the book.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, bookID uint) {
	back := paths.BookList
	if bookID != 0 {
		back = paths.BookDetail(bookID)
	}

	var verr *catalog.ValidationError
	var denied *catalog.AccessDeniedError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, envelope{
			Status:  statusError,
			Message: "Please correct the errors below.",
			Errors:  verr.Fields,
		})
	case errors.As(err, &denied):
		fail(w, http.StatusForbidden, denied.Message, denied.Redirect)
	case errors.Is(err, auth.ErrLoginRequired):
		fail(w, http.StatusUnauthorized, "Please log in to continue.", paths.Home)
	case errors.Is(err, repo.ErrBookNotFound):
		fail(w, http.StatusNotFound, "Book not found.", paths.BookList)
	case errors.Is(err, orders.ErrUnknownType):
		fail(w, http.StatusBadRequest, "Invalid order type. Only purchase is allowed.", back)
	case errors.Is(err, purchase.ErrAlreadyPurchased):
		fail(w, http.StatusConflict, "You have already purchased this book.", paths.ReadBook(bookID))
	case errors.Is(err, purchase.ErrRateLimited):
		fail(w, http.StatusTooManyRequests, "Too many attempts. Please try again later.", back)
	case errors.Is(err, payment.ErrGatewayUnavailable):
		fail(w, http.StatusServiceUnavailable, "Payment service is not available. Please contact support.", back)
	case errors.Is(err, payment.ErrGateway):
		s.log.Error("Gateway error", zap.String("path", r.URL.Path), zap.Error(err))
		fail(w, http.StatusBadGateway, "Error creating payment order. Please try again.", back)
	default:
		s.log.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		fail(w, http.StatusInternalServerError, "An unexpected error occurred.", back)
	}
}

// callbackStatus is the HTTP status for each settlement outcome.
func callbackStatus(outcome purchase.Outcome) int {
	switch outcome {
	case purchase.OutcomePaid:
		return http.StatusOK
	case purchase.OutcomeMissingData, purchase.OutcomeVerificationFailed, purchase.OutcomeInvalidOrderType:
		return http.StatusBadRequest
	case purchase.OutcomeNotFound:
		return http.StatusNotFound
	case purchase.OutcomeDuplicatePurchase:
		return http.StatusConflict
	case purchase.OutcomeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
