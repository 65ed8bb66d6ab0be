package httpapi

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"

	"github.com/bookstore/services/storefront/internal/auth"
	"github.com/bookstore/services/storefront/internal/catalog"
	"github.com/bookstore/services/storefront/internal/paths"
	"github.com/bookstore/services/storefront/internal/purchase"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	if !auth.FromContext(r.Context()).IsAnonymous() {
		ok(w, http.StatusOK, "", paths.BookList, nil)
		return
	}
	ok(w, http.StatusOK, "Welcome to the Book Store.", "", nil)
}

func (s *Server) listBooks(w http.ResponseWriter, r *http.Request) {
	listing, err := s.catalog.List(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	ok(w, http.StatusOK, "", "", listing)
}

func (s *Server) bookDetail(w http.ResponseWriter, r *http.Request) {
	id, valid := bookID(w, r)
	if !valid {
		return
	}
	detail, err := s.catalog.Detail(r.Context(), auth.FromContext(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	ok(w, http.StatusOK, "", "", detail)
}

func (s *Server) uploadBook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(w, http.StatusRequestEntityTooLarge, "The uploaded file is too large.", paths.Upload)
			return
		}
		fail(w, http.StatusBadRequest, "Invalid upload form.", paths.Upload)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	form := catalog.UploadForm{
		Title:         r.FormValue("title"),
		Author:        r.FormValue("author"),
		Description:   r.FormValue("description"),
		Category:      r.FormValue("category"),
		OtherCategory: r.FormValue("other_category"),
		Price:         r.FormValue("purchase_price"),
	}

	file, closeFile := formFile(r, "file")
	defer closeFile()
	form.File = file
	cover, closeCover := formFile(r, "cover_image")
	defer closeCover()
	form.Cover = cover

	res, err := s.catalog.Upload(r.Context(), auth.FromContext(r.Context()), form)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	ok(w, http.StatusCreated, res.Message, res.Redirect, res.Book)
}

// formFile opens an optional multipart file. The returned func closes it.
func formFile(r *http.Request, field string) (*catalog.FilePart, func()) {
	f, header, err := r.FormFile(field)
	if err != nil {
		return nil, func() {}
	}
	return &catalog.FilePart{
		Name:        header.Filename,
		ContentType: contentType(header),
		Size:        header.Size,
		Content:     f,
	}, func() { _ = f.Close() }
}

func contentType(h *multipart.FileHeader) string {
	if ct := h.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *Server) readBook(w http.ResponseWriter, r *http.Request) {
	id, valid := bookID(w, r)
	if !valid {
		return
	}
	access, err := s.catalog.Read(r.Context(), auth.FromContext(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err, id)
		return
	}
	ok(w, http.StatusOK, "", "", access)
}

func (s *Server) fullscreenReader(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var id uint
	if raw := q.Get("book_pk"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			fail(w, http.StatusNotFound, "Book not found.", paths.BookList)
			return
		}
		id = uint(n)
	}
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil {
		page = 1
	}

	access, err := s.catalog.ReadPage(r.Context(), auth.FromContext(r.Context()), id, page)
	if err != nil {
		var verr *catalog.ValidationError
		if errors.As(err, &verr) {
			fail(w, http.StatusBadRequest, verr.Fields["book_pk"], paths.BookList)
			return
		}
		s.writeError(w, r, err, id)
		return
	}
	ok(w, http.StatusOK, "", "", access)
}

func (s *Server) downloadBook(w http.ResponseWriter, r *http.Request) {
	id, valid := bookID(w, r)
	if !valid {
		return
	}
	dl, err := s.catalog.Download(r.Context(), auth.FromContext(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err, id)
		return
	}
	defer dl.Content.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.FileName}))
	if dl.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Content); err != nil {
		s.log.Warn("Download interrupted", zap.Uint("book_id", id), zap.Error(err))
	}
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	id, valid := bookID(w, r)
	if !valid {
		return
	}
	checkout, err := s.purchases.StartPurchase(r.Context(), auth.FromContext(r.Context()), id, chi.URLParam(r, "orderType"))
	if err != nil {
		s.writeError(w, r, err, id)
		return
	}
	ok(w, http.StatusCreated, "", "", checkout)
}

// paymentCallback settles the gateway's form-encoded confirmation.
func (s *Server) paymentCallback(w http.ResponseWriter, r *http.Request) {
	if !s.callbackLimiter.Allow(r.Context(), "callback:"+clientIP(r)) {
		fail(w, http.StatusTooManyRequests, "Too many requests. Please try again later.", paths.Home)
		return
	}
	if err := r.ParseForm(); err != nil {
		fail(w, http.StatusBadRequest, "Invalid request to callback.", paths.Home)
		return
	}

	res := s.callbacks.Handle(r.Context(), purchase.Confirmation{
		OrderID:   r.PostForm.Get("razorpay_order_id"),
		PaymentID: r.PostForm.Get("razorpay_payment_id"),
		Signature: r.PostForm.Get("razorpay_signature"),
	})
	writeJSON(w, callbackStatus(res.Outcome), res)
}

func (s *Server) addReview(w http.ResponseWriter, r *http.Request) {
	id, valid := bookID(w, r)
	if !valid {
		return
	}
	if err := r.ParseForm(); err != nil {
		fail(w, http.StatusBadRequest, "Invalid review form.", paths.BookDetail(id))
		return
	}
	rating, err := strconv.Atoi(r.PostForm.Get("rating"))
	if err != nil {
		rating = 0
	}

	res, err := s.catalog.AddReview(r.Context(), auth.FromContext(r.Context()), id, rating, r.PostForm.Get("comment"))
	if err != nil {
		s.writeError(w, r, err, id)
		return
	}
	ok(w, http.StatusCreated, res.Message, res.Redirect, res.Review)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.catalog.Dashboard(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	ok(w, http.StatusOK, "", "", dash)
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.catalog.Profile(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	ok(w, http.StatusOK, "", "", profile)
}

func bookID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil || n == 0 {
		fail(w, http.StatusNotFound, "Book not found.", paths.BookList)
		return 0, false
	}
	return uint(n), true
}

// clientIP is the remote host. Forwarding headers only count when the
// router was built with TrustProxyHeaders.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
