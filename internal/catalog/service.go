// Package catalog serves the book side of the store: uploads, browsing,
// reading, downloads, reviews and the per-user dashboard and profile.
// Every access decision goes through the entitlement resolver.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bookstore/services/storefront/internal/auth"
	"github.com/bookstore/services/storefront/internal/db"
	"github.com/bookstore/services/storefront/internal/entitlement"
	"github.com/bookstore/services/storefront/internal/events"
	"github.com/bookstore/services/storefront/internal/integrity"
	"github.com/bookstore/services/storefront/internal/metrics"
	"github.com/bookstore/services/storefront/internal/paths"
	"github.com/bookstore/services/storefront/internal/repo"
	"github.com/bookstore/services/storefront/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	msgReadDenied       = "You must purchase this book to read it."
	msgReaderDenied     = "You are not authorized to access this book."
	msgDownloadDenied   = "You do not have permission to download this book."
	msgReviewDenied     = "You must purchase this book to leave a review."
	msgAlreadyReviewed  = "You have already submitted a review for this book."
	msgReviewAdded      = "Your review has been added!"
	msgRatingRange      = "Select a valid choice. Rating must be between 1 and 5."
	msgMissingBookParam = "Book identifier is missing for full-screen reader."
)

// AccessDeniedError means the user lacks the entitlement for an action.
// Redirect is where the user should be sent instead.
type AccessDeniedError struct {
	Message  string
	Redirect string
}

func (e *AccessDeniedError) Error() string {
	return "access denied: " + e.Message
}

// BookStore is the book persistence the catalog needs.
type BookStore interface {
	CreateBook(ctx context.Context, book *db.Book) error
	GetBook(ctx context.Context, id uint) (*db.Book, error)
	ListBooks(ctx context.Context, category string) ([]repo.BookWithRating, error)
	ListCategories(ctx context.Context) ([]string, error)
	ListBooksByOwner(ctx context.Context, ownerID string) ([]*db.Book, error)
}

// OrderHistory reads settled orders for the dashboard and profile.
type OrderHistory interface {
	ListPurchasesByUser(ctx context.Context, userID string) ([]*db.Order, error)
	ListSalesForOwner(ctx context.Context, ownerID string) ([]*db.Order, error)
	TotalEarnings(ctx context.Context, ownerID string) (decimal.Decimal, error)
}

// ReviewStore persists reviews.
type ReviewStore interface {
	CreateReview(ctx context.Context, review *db.Review) error
	ListReviews(ctx context.Context, bookID uint) ([]*db.Review, error)
	AverageRating(ctx context.Context, bookID uint) (float64, error)
}

// Settings tune the catalog.
type Settings struct {
	// ReadURLExpiry bounds how long a reader link stays valid.
	ReadURLExpiry time.Duration
}

// Service implements the catalog operations: upload, browse, read, download, review and account pages.
type Service struct {
	books    BookStore
	orders   OrderHistory
	reviews  ReviewStore
	resolver *entitlement.Resolver
	checker  *integrity.Checker
	store    storage.ObjectStore
	emitter  *events.Emitter
	settings Settings
	log      *zap.Logger
}

// NewService creates a catalog service.
func NewService(
	books BookStore,
	orders OrderHistory,
	reviews ReviewStore,
	resolver *entitlement.Resolver,
	checker *integrity.Checker,
	store storage.ObjectStore,
	emitter *events.Emitter,
	settings Settings,
	log *zap.Logger,
) *Service {
	if settings.ReadURLExpiry <= 0 {
		settings.ReadURLExpiry = 15 * time.Minute
	}
	return &Service{
		books:    books,
		orders:   orders,
		reviews:  reviews,
		resolver: resolver,
		checker:  checker,
		store:    store,
		emitter:  emitter,
		settings: settings,
		log:      log,
	}
}

// UploadResult is a stored book plus the confirmation shown to the uploader.
type UploadResult struct {
	Book     *db.Book `json:"book"`
	Message  string   `json:"message"`
	Redirect string   `json:"redirect"`
}

// Upload validates the form, rejects duplicate content, stores the files and
// records the book. Stored objects are removed again if the book row cannot
// be written.
func (s *Service) Upload(ctx context.Context, user auth.User, form UploadForm) (_ *UploadResult, err error) {
	defer func() { metrics.Uploads.WithLabelValues(uploadResult(err)).Inc() }()

	if user.IsAnonymous() {
		return nil, auth.ErrLoginRequired
	}
	v := ValidateUpload(form)
	if !v.Valid() {
		return nil, &ValidationError{Fields: v.Errors}
	}

	hash, err := s.checker.CheckDuplicate(ctx, form.File.Content, 0)
	switch {
	case errors.Is(err, integrity.ErrDuplicateContent):
		return nil, fieldError("file", msgDuplicateFile)
	case errors.Is(err, integrity.ErrUnreadable):
		return nil, fieldError("file", msgUnreadableFile)
	case err != nil:
		return nil, err
	}

	fileKey := storage.BuildKey("book_pdfs", form.File.Name)
	if err := s.store.Put(ctx, fileKey, form.File.Content, form.File.Size, "application/pdf"); err != nil {
		s.log.Error("Failed to store book file", zap.String("key", fileKey), zap.Error(err))
		return nil, fmt.Errorf("store book file: %w", err)
	}
	stored := []string{fileKey}

	var coverKey *string
	if form.Cover != nil && form.Cover.Content != nil {
		key := storage.BuildKey("book_covers", form.Cover.Name)
		contentType := form.Cover.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := s.store.Put(ctx, key, form.Cover.Content, form.Cover.Size, contentType); err != nil {
			s.cleanup(stored)
			s.log.Error("Failed to store cover image", zap.String("key", key), zap.Error(err))
			return nil, fmt.Errorf("store cover image: %w", err)
		}
		stored = append(stored, key)
		coverKey = &key
	}

	book := &db.Book{
		Title:         strings.TrimSpace(form.Title),
		Author:        strings.TrimSpace(form.Author),
		Description:   strings.TrimSpace(form.Description),
		Category:      v.Category,
		FileKey:       fileKey,
		FileName:      storage.SanitizeFilename(form.File.Name),
		CoverKey:      coverKey,
		OwnerID:       user.ID,
		PurchasePrice: v.Price,
		ContentHash:   &hash,
	}
	if err := s.books.CreateBook(ctx, book); err != nil {
		s.cleanup(stored)
		if errors.Is(err, repo.ErrDuplicateContent) {
			// Lost the race against a concurrent upload of the same file.
			return nil, fieldError("file", msgDuplicateFile)
		}
		return nil, err
	}

	s.emitter.Emit(ctx, events.TypeBookUploaded, events.BookPayload(book))
	return &UploadResult{
		Book:     book,
		Message:  fmt.Sprintf("Book '%s' uploaded successfully!", book.Title),
		Redirect: paths.BookDetail(book.ID),
	}, nil
}

func (s *Service) cleanup(keys []string) {
	// The request context may already be gone.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			s.log.Warn("Failed to remove orphaned object", zap.String("key", key), zap.Error(err))
		}
	}
}

func uploadResult(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return "stored"
	case errors.As(err, &verr):
		if verr.Fields["file"] == msgDuplicateFile {
			return "duplicate"
		}
		return "invalid"
	case errors.Is(err, auth.ErrLoginRequired):
		return "unauthenticated"
	default:
		return "error"
	}
}

// Listing is the book list page.
type Listing struct {
	Books            []repo.BookWithRating `json:"books"`
	Categories       []string              `json:"unique_categories"`
	SelectedCategory string                `json:"selected_category"`
}

// List returns books newest first, optionally narrowed to one category.
func (s *Service) List(ctx context.Context, category string) (*Listing, error) {
	category = strings.TrimSpace(category)
	books, err := s.books.ListBooks(ctx, category)
	if err != nil {
		return nil, err
	}
	categories, err := s.books.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	if books == nil {
		books = []repo.BookWithRating{}
	}
	return &Listing{Books: books, Categories: categories, SelectedCategory: category}, nil
}

// BookDetail is a book with its reviews and the caller's rights on it.
type BookDetail struct {
	Book          *db.Book                 `json:"book"`
	AverageRating float64                  `json:"average_rating"`
	Reviews       []*db.Review             `json:"reviews"`
	Entitlements  entitlement.Entitlements `json:"entitlements"`
}

// Detail returns a book with its reviews and what the user may do with it.
func (s *Service) Detail(ctx context.Context, user auth.User, bookID uint) (*BookDetail, error) {
	book, err := s.books.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	reviews, err := s.reviews.ListReviews(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	avg, err := s.reviews.AverageRating(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	rights, err := s.resolver.Evaluate(ctx, user, book)
	if err != nil {
		return nil, err
	}
	if reviews == nil {
		reviews = []*db.Review{}
	}
	return &BookDetail{Book: book, AverageRating: avg, Reviews: reviews, Entitlements: rights}, nil
}

// ReaderAccess is a short-lived link to a book's content for the reader.
type ReaderAccess struct {
	Book      *db.Book  `json:"book"`
	URL       string    `json:"book_file_url"`
	ExpiresAt time.Time `json:"expires_at"`
	Page      int       `json:"initial_page,omitempty"`
}

// Read hands the owner or a purchaser a presigned link to the book file.
func (s *Service) Read(ctx context.Context, user auth.User, bookID uint) (*ReaderAccess, error) {
	return s.read(ctx, user, bookID, msgReadDenied)
}

// ReadPage is Read for the full-screen reader, opened at page.
// Pages below 1 open the first page.
func (s *Service) ReadPage(ctx context.Context, user auth.User, bookID uint, page int) (*ReaderAccess, error) {
	if bookID == 0 {
		return nil, fieldError("book_pk", msgMissingBookParam)
	}
	access, err := s.read(ctx, user, bookID, msgReaderDenied)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	access.Page = page
	return access, nil
}

func (s *Service) read(ctx context.Context, user auth.User, bookID uint, denied string) (*ReaderAccess, error) {
	if user.IsAnonymous() {
		return nil, auth.ErrLoginRequired
	}
	book, err := s.books.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	ok, err := s.resolver.CanReadInApp(ctx, user, book)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &AccessDeniedError{Message: denied, Redirect: paths.BookDetail(book.ID)}
	}

	url, err := s.store.PresignGet(ctx, book.FileKey, book.FileName, s.settings.ReadURLExpiry)
	if err != nil {
		s.log.Error("Failed to presign book file", zap.Uint("book_id", book.ID), zap.Error(err))
		return nil, fmt.Errorf("presign book file: %w", err)
	}
	return &ReaderAccess{
		Book:      book,
		URL:       url,
		ExpiresAt: time.Now().UTC().Add(s.settings.ReadURLExpiry),
	}, nil
}

// Download is an open book file. The caller closes Content.
type Download struct {
	Content  io.ReadCloser
	Size     int64
	FileName string
}

// Download streams the file to its owner. A purchaser is sent to the reader
// instead, anyone else to the book page.
func (s *Service) Download(ctx context.Context, user auth.User, bookID uint) (*Download, error) {
	if user.IsAnonymous() {
		return nil, auth.ErrLoginRequired
	}
	book, err := s.books.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	if !s.resolver.CanDownload(user, book) {
		redirect := paths.BookDetail(book.ID)
		canRead, err := s.resolver.CanReadInApp(ctx, user, book)
		if err != nil {
			return nil, err
		}
		if canRead {
			redirect = paths.ReadBook(book.ID)
		}
		return nil, &AccessDeniedError{Message: msgDownloadDenied, Redirect: redirect}
	}

	content, size, err := s.store.Get(ctx, book.FileKey)
	if err != nil {
		s.log.Error("Failed to open book file", zap.Uint("book_id", book.ID), zap.Error(err))
		return nil, fmt.Errorf("open book file: %w", err)
	}
	return &Download{Content: content, Size: size, FileName: book.FileName}, nil
}

// ReviewResult confirms a stored review.
type ReviewResult struct {
	Review   *db.Review `json:"review"`
	Message  string     `json:"message"`
	Redirect string     `json:"redirect"`
}

// AddReview records the caller's review. Only users who may read the book
// can review it, and only once.
func (s *Service) AddReview(ctx context.Context, user auth.User, bookID uint, rating int, comment string) (_ *ReviewResult, err error) {
	defer func() { metrics.Reviews.WithLabelValues(reviewResult(err)).Inc() }()

	if user.IsAnonymous() {
		return nil, auth.ErrLoginRequired
	}
	book, err := s.books.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	canRead, err := s.resolver.CanReadInApp(ctx, user, book)
	if err != nil {
		return nil, err
	}
	if !canRead {
		return nil, &AccessDeniedError{Message: msgReviewDenied, Redirect: paths.BookDetail(book.ID)}
	}
	reviewed, err := s.resolver.HasReviewed(ctx, user, book)
	if err != nil {
		return nil, err
	}
	if reviewed {
		return nil, &AccessDeniedError{Message: msgAlreadyReviewed, Redirect: paths.BookDetail(book.ID)}
	}

	fields := map[string]string{}
	if rating < 1 || rating > 5 {
		fields["rating"] = msgRatingRange
	}
	comment = strings.TrimSpace(comment)
	if comment == "" {
		fields["comment"] = msgRequired
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	review := &db.Review{BookID: book.ID, UserID: user.ID, Rating: rating, Comment: comment}
	if err := s.reviews.CreateReview(ctx, review); err != nil {
		if errors.Is(err, repo.ErrAlreadyReviewed) {
			return nil, &AccessDeniedError{Message: msgAlreadyReviewed, Redirect: paths.BookDetail(book.ID)}
		}
		return nil, err
	}

	s.emitter.Emit(ctx, events.TypeReviewCreated, events.ReviewPayload(review))
	return &ReviewResult{Review: review, Message: msgReviewAdded, Redirect: paths.BookDetail(book.ID)}, nil
}

func reviewResult(err error) string {
	var denied *AccessDeniedError
	var verr *ValidationError
	switch {
	case err == nil:
		return "created"
	case errors.As(err, &denied):
		if denied.Message == msgAlreadyReviewed {
			return "duplicate"
		}
		return "denied"
	case errors.As(err, &verr):
		return "invalid"
	default:
		return "error"
	}
}

// Dashboard is the uploader's view of their books and sales.
type Dashboard struct {
	User           auth.User       `json:"user"`
	UploadedBooks  []*db.Book      `json:"uploaded_books"`
	RelevantOrders []*db.Order     `json:"relevant_orders"`
	TotalEarnings  decimal.Decimal `json:"total_earnings"`
}

// Dashboard lists the user's uploads, the paid orders for them and the total earned.
func (s *Service) Dashboard(ctx context.Context, user auth.User) (*Dashboard, error) {
	if user.IsAnonymous() {
		return nil, auth.ErrLoginRequired
	}
	books, err := s.books.ListBooksByOwner(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	sales, err := s.orders.ListSalesForOwner(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	earnings, err := s.orders.TotalEarnings(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if books == nil {
		books = []*db.Book{}
	}
	if sales == nil {
		sales = []*db.Order{}
	}
	return &Dashboard{User: user, UploadedBooks: books, RelevantOrders: sales, TotalEarnings: earnings}, nil
}

// Profile lists what the user bought, most recent first.
type Profile struct {
	User            auth.User   `json:"user"`
	PurchasedOrders []*db.Order `json:"purchased_orders"`
}

// Profile lists the user's paid purchases.
func (s *Service) Profile(ctx context.Context, user auth.User) (*Profile, error) {
	if user.IsAnonymous() {
		return nil, auth.ErrLoginRequired
	}
	purchases, err := s.orders.ListPurchasesByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if purchases == nil {
		purchases = []*db.Order{}
	}
	return &Profile{User: user, PurchasedOrders: purchases}, nil
}
