package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

// SQLAdapter is the relational inventory store. Quantity updates are a
// compare-and-swap on the revision column.
type SQLAdapter struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLAdapter(db *sql.DB, dialect Dialect) *SQLAdapter {
	return &SQLAdapter{db: db, dialect: dialect}
}

// OpenSQL opens and pings a database for the given dialect.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Driver, err)
	}

	if dialect.Driver == SQLite.Driver {
		// SQLite allows one writer; a single connection serializes transactions instead of failing them.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Driver, err)
	}
	return db, nil
}

// Migrate creates the tables if they do not exist yet.
func (a *SQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range a.dialect.Schema {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (a *SQLAdapter) CreateItem(ctx context.Context, item domain.StockItem) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO items (id, barcode, name, quantity, revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Barcode, item.Name, item.Quantity, item.Revision,
		item.CreatedAt.UTC(), item.UpdatedAt.UTC(),
	)
	if err != nil {
		if a.dialect.isUniqueViolation(err) {
			return domain.ErrDuplicateBarcode
		}
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (a *SQLAdapter) GetItem(ctx context.Context, key domain.LookupKey) (*domain.StockItem, error) {
	column, value := "id", key.ID
	if key.ID == "" {
		column, value = "barcode", key.Barcode
	}

	var item domain.StockItem
	err := a.db.QueryRowContext(ctx, `
		SELECT id, barcode, name, quantity, revision, created_at, updated_at
		FROM items WHERE `+column+` = ?`, value,
	).Scan(&item.ID, &item.Barcode, &item.Name, &item.Quantity, &item.Revision, &item.CreatedAt, &item.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return &item, nil
}

func (a *SQLAdapter) ListItems(ctx context.Context) ([]domain.StockItem, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, barcode, name, quantity, revision, created_at, updated_at
		FROM items ORDER BY barcode`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []domain.StockItem
	for rows.Next() {
		var item domain.StockItem
		if err := rows.Scan(&item.ID, &item.Barcode, &item.Name, &item.Quantity, &item.Revision, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (a *SQLAdapter) UpdateQuantity(ctx context.Context, item domain.StockItem, txn domain.StockTransaction) (*domain.StockItem, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE items
		SET quantity = ?, revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?`,
		item.Quantity, item.UpdatedAt.UTC(), item.ID, item.Revision,
	)
	if err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return nil, domain.ErrRevisionConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_transactions (id, item_id, kind, change_amount, quantity, revision, source, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.ItemID, txn.Kind, txn.Change, txn.Quantity, txn.Revision,
		txn.Source, txn.Actor, txn.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	item.Revision++
	return &item, nil
}

func (a *SQLAdapter) ListTransactions(ctx context.Context, itemID string, limit int) ([]domain.StockTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, item_id, kind, change_amount, quantity, revision, source, actor, created_at
		FROM stock_transactions WHERE item_id = ?
		ORDER BY revision DESC LIMIT ?`, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.StockTransaction
	for rows.Next() {
		var txn domain.StockTransaction
		if err := rows.Scan(&txn.ID, &txn.ItemID, &txn.Kind, &txn.Change, &txn.Quantity, &txn.Revision, &txn.Source, &txn.Actor, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}
