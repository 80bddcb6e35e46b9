package storage

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect holds what differs between the SQL backends behind SQLAdapter.
type Dialect struct {
	Driver string
	Schema []string

	isUniqueViolation func(error) bool
}

var MySQL = Dialect{
	Driver: "mysql",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS items (
			id         VARCHAR(64)  NOT NULL PRIMARY KEY,
			barcode    VARCHAR(64)  NOT NULL,
			name       VARCHAR(128) NOT NULL DEFAULT '',
			quantity   INT          NOT NULL,
			revision   BIGINT       NOT NULL,
			created_at DATETIME(6)  NOT NULL,
			updated_at DATETIME(6)  NOT NULL,
			UNIQUE KEY uq_items_barcode (barcode),
			CHECK (quantity >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS stock_transactions (
			id            VARCHAR(64) NOT NULL PRIMARY KEY,
			item_id       VARCHAR(64) NOT NULL,
			kind          VARCHAR(16) NOT NULL,
			change_amount INT         NOT NULL,
			quantity      INT         NOT NULL,
			revision      BIGINT      NOT NULL,
			source        VARCHAR(16) NOT NULL,
			actor         VARCHAR(128) NOT NULL DEFAULT '',
			created_at    DATETIME(6) NOT NULL,
			KEY idx_stock_transactions_item (item_id, revision)
		)`,
	},
	isUniqueViolation: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == 1062
	},
}

var SQLite = Dialect{
	Driver: "sqlite",
	Schema: []string{
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS items (
			id         TEXT     NOT NULL PRIMARY KEY,
			barcode    TEXT     NOT NULL UNIQUE,
			name       TEXT     NOT NULL DEFAULT '',
			quantity   INTEGER  NOT NULL CHECK (quantity >= 0),
			revision   INTEGER  NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stock_transactions (
			id            TEXT     NOT NULL PRIMARY KEY,
			item_id       TEXT     NOT NULL,
			kind          TEXT     NOT NULL,
			change_amount INTEGER  NOT NULL,
			quantity      INTEGER  NOT NULL,
			revision      INTEGER  NOT NULL,
			source        TEXT     NOT NULL,
			actor         TEXT     NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_transactions_item ON stock_transactions (item_id, revision)`,
	},
	isUniqueViolation: func(err error) bool {
		var liteErr *sqlite.Error
		if !errors.As(err, &liteErr) {
			return false
		}
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	},
}
