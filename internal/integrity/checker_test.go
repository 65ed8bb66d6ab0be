package integrity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/bookstore/services/storefront/internal/db"
	"github.com/bookstore/services/storefront/internal/db/dbtest"
	"github.com/bookstore/services/storefront/internal/repo"
	"github.com/bookstore/services/storefront/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashRestoresPosition(t *testing.T) {
	content := bytes.Repeat([]byte("pdf-bytes "), 20000)
	r := bytes.NewReader(content)

	hash, err := ContentHash(r)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)
	assert.Len(t, hash, 64)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, rest)
}

func TestContentHashCoversFullContent(t *testing.T) {
	content := "%PDF-1.7 same book"
	advanced := strings.NewReader(content)
	_, err := advanced.Seek(4, io.SeekStart)
	require.NoError(t, err)

	hash, err := ContentHash(advanced)
	require.NoError(t, err)
	fresh, err := ContentHash(strings.NewReader(content))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)
	assert.Equal(t, fresh, hash)

	pos, err := advanced.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func (failingReader) Seek(int64, int) (int64, error) { return 0, nil }

func TestContentHashReadError(t *testing.T) {
	_, err := ContentHash(failingReader{})
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestCheckDuplicate(t *testing.T) {
	database := dbtest.New(t)
	log := logger.NewLogger("test", "info")
	books := repo.NewBookRepository(database, log)
	checker := NewChecker(books, log)
	ctx := context.Background()

	content := []byte("%PDF-1.4 same content")
	hash, err := checker.CheckDuplicate(ctx, bytes.NewReader(content), 0)
	require.NoError(t, err)

	first := &db.Book{
		Title:         "First",
		FileKey:       "books/first.pdf",
		FileName:      "first.pdf",
		OwnerID:       "u1",
		PurchasePrice: decimal.NewFromInt(10),
		ContentHash:   &hash,
	}
	require.NoError(t, books.CreateBook(ctx, first))

	_, err = checker.CheckDuplicate(ctx, bytes.NewReader(content), 0)
	assert.Equal(t, ErrDuplicateContent, err)

	again, err := checker.CheckDuplicate(ctx, bytes.NewReader(content), first.ID)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	_, err = checker.CheckDuplicate(ctx, bytes.NewReader(content), first.ID+1)
	assert.Equal(t, ErrDuplicateContent, err)

	_, err = checker.CheckDuplicate(ctx, bytes.NewReader([]byte("different")), 0)
	assert.NoError(t, err)
}
