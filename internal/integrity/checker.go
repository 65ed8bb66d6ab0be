// Package integrity fingerprints uploaded book files and rejects duplicates.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/bookstore/services/storefront/internal/db"
	"github.com/bookstore/services/storefront/internal/repo"
	"go.uber.org/zap"
)

const chunkSize = 64 << 10

var (
	// ErrDuplicateContent means another book already has this exact file.
	ErrDuplicateContent = errors.New("book file already uploaded")

	// ErrUnreadable means the file could not be hashed.
	ErrUnreadable = errors.New("could not process file")
)

// HashLookup finds the book that owns a content hash.
type HashLookup interface {
	FindByContentHash(ctx context.Context, hash string) (*db.Book, error)
}

// ContentHash returns the hex SHA-256 of r's full content, whatever its
// current read position. The position is put back where it was.
func ContentHash(r io.ReadSeeker) (string, error) {
	start, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		_, _ = r.Seek(start, io.SeekStart)
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checker rejects uploads whose content already belongs to another book.
type Checker struct {
	books HashLookup
	log   *zap.Logger
}

// NewChecker creates a checker backed by the given hash lookup.
func NewChecker(books HashLookup, log *zap.Logger) *Checker {
	return &Checker{books: books, log: log}
}

// CheckDuplicate hashes r and returns the hash when no other book holds it.
// editingBookID is the book being re-uploaded, or 0 for a new book.
func (c *Checker) CheckDuplicate(ctx context.Context, r io.ReadSeeker, editingBookID uint) (string, error) {
	hash, err := ContentHash(r)
	if err != nil {
		c.log.Warn("Failed to hash upload", zap.Error(err))
		return "", err
	}

	existing, err := c.books.FindByContentHash(ctx, hash)
	switch {
	case errors.Is(err, repo.ErrBookNotFound):
		return hash, nil
	case err != nil:
		return "", fmt.Errorf("look up content hash: %w", err)
	case editingBookID != 0 && existing.ID == editingBookID:
		return hash, nil
	default:
		c.log.Info("Duplicate upload rejected",
			zap.String("content_hash", hash),
			zap.Uint("existing_book_id", existing.ID),
		)
		return "", ErrDuplicateContent
	}
}
