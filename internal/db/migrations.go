package db

import (
	"gorm.io/gorm"
)

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(&Book{}, &Order{}, &Review{}); err != nil {
		return err
	}

	if err := createIndexes(db.DB, db.IsPostgres()); err != nil {
		return err
	}

	return nil
}

func createIndexes(db *gorm.DB, postgres bool) error {
	indexes := []string{
		// One paid order per (user, book).
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_paid_purchase ON orders(user_id, book_id) WHERE status = 'paid'`,

		`CREATE INDEX IF NOT EXISTS idx_orders_user_book_status ON orders(user_id, book_id, status)`,
	}

	if postgres {
		indexes = append(indexes,
			`CREATE INDEX IF NOT EXISTS idx_books_title_search ON books USING gin(to_tsvector('english', title))`,
			`CREATE INDEX IF NOT EXISTS idx_books_author_search ON books USING gin(to_tsvector('english', author))`,
		)
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}
