package catalog

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/bookstore/services/storefront/internal/db"
	"github.com/shopspring/decimal"
)

// Categories offered by the upload form. Picking db.DefaultCategory
// requires a custom category, which replaces it on the stored book.
var Categories = []string{"BCA", "BCOM", "BBA", "BSC", db.DefaultCategory}

const (
	maxTitleLen    = 200
	maxAuthorLen   = 200
	maxCategoryLen = 100
)

var maxPrice = decimal.New(1, 8)

const (
	msgRequired        = "This field is required."
	msgSelectCategory  = "Please select a category."
	msgSpecifyCategory = "Please specify the category."
	msgPDFOnly         = "Only PDF files are allowed."
	msgImageOnly       = "Upload a valid image. The file you uploaded was either not an image or a corrupted image."
	msgDuplicateFile   = "This book file has already been uploaded."
	msgUnreadableFile  = "Error processing file."
)

// FilePart is one uploaded file.
type FilePart struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.ReadSeeker
}

// UploadForm is the raw upload request.
type UploadForm struct {
	Title         string
	Author        string
	Description   string
	Category      string
	OtherCategory string
	Price         string
	File          *FilePart
	Cover         *FilePart
}

// UploadValidation is the outcome of ValidateUpload. Category and Price
// are only meaningful when Valid reports true.
type UploadValidation struct {
	Errors   map[string]string
	Category string
	Price    decimal.Decimal
}

func (v UploadValidation) Valid() bool {
	return len(v.Errors) == 0
}

// ValidationError carries per-field messages for a rejected form.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func fieldError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// ValidateUpload checks the form fields. It does not hash the file; the
// duplicate check runs in Upload once the fields are known to be good.
func ValidateUpload(form UploadForm) UploadValidation {
	v := UploadValidation{Errors: map[string]string{}}

	title := strings.TrimSpace(form.Title)
	switch {
	case title == "":
		v.Errors["title"] = msgRequired
	case len(title) > maxTitleLen:
		v.Errors["title"] = fmt.Sprintf("Ensure this value has at most %d characters.", maxTitleLen)
	}

	author := strings.TrimSpace(form.Author)
	switch {
	case author == "":
		v.Errors["author"] = msgRequired
	case len(author) > maxAuthorLen:
		v.Errors["author"] = fmt.Sprintf("Ensure this value has at most %d characters.", maxAuthorLen)
	}

	category, field, msg := resolveCategory(form.Category, form.OtherCategory)
	if msg != "" {
		v.Errors[field] = msg
	}
	v.Category = category

	price, msg := parsePrice(form.Price)
	if msg != "" {
		v.Errors["purchase_price"] = msg
	}
	v.Price = price

	switch {
	case form.File == nil || form.File.Content == nil:
		v.Errors["file"] = msgRequired
	case !strings.EqualFold(path.Ext(form.File.Name), ".pdf"):
		v.Errors["file"] = msgPDFOnly
	}

	if form.Cover != nil && form.Cover.Content != nil && !isImage(form.Cover) {
		v.Errors["cover_image"] = msgImageOnly
	}
	return v
}

func resolveCategory(category, other string) (resolved, field, msg string) {
	category = strings.TrimSpace(category)
	other = strings.TrimSpace(other)

	if category == "" {
		return "", "category", msgSelectCategory
	}
	known := false
	for _, c := range Categories {
		if c == category {
			known = true
			break
		}
	}
	if !known {
		return "", "category", fmt.Sprintf("Select a valid choice. %s is not one of the available choices.", category)
	}
	if category != db.DefaultCategory {
		return category, "", ""
	}
	if other == "" {
		return "", "other_category", msgSpecifyCategory
	}
	if len(other) > maxCategoryLen {
		return "", "other_category", fmt.Sprintf("Ensure this value has at most %d characters.", maxCategoryLen)
	}
	return other, "", ""
}

func parsePrice(raw string) (decimal.Decimal, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, msgRequired
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, "Enter a number."
	}
	switch {
	case !price.IsPositive():
		return decimal.Zero, "Enter a price greater than zero."
	case !price.Equal(price.Truncate(2)):
		return decimal.Zero, "Ensure that there are no more than 2 decimal places."
	case price.GreaterThanOrEqual(maxPrice):
		return decimal.Zero, "Ensure that there are no more than 8 digits before the decimal point."
	}
	return price.Truncate(2), ""
}

// isImage sniffs the first bytes of the cover and rewinds it.
func isImage(f *FilePart) bool {
	head := make([]byte, 512)
	n, err := io.ReadFull(f.Content, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false
	}
	if _, err := f.Content.Seek(0, io.SeekStart); err != nil {
		return false
	}
	return strings.HasPrefix(http.DetectContentType(head[:n]), "image/")
}
