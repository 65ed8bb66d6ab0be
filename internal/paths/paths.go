// Package paths names the app locations users are redirected to.
package paths

import "fmt"

const (
	Home      = "/"
	BookList  = "/books/list"
	Upload    = "/books/upload"
	Dashboard = "/accounts/dashboard"
	Profile   = "/accounts/profile"
)

func BookDetail(bookID uint) string {
	return fmt.Sprintf("/books/book/%d", bookID)
}

// ReadBook is the in-app reader of a book.
func ReadBook(bookID uint) string {
	return fmt.Sprintf("/books/book/%d/read", bookID)
}
