package port

import (
	"context"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

type InventoryRepository interface {
	// CreateItem persists a new item, returns domain.ErrDuplicateBarcode if the barcode is taken
	CreateItem(ctx context.Context, item domain.StockItem) error

	// GetItem retrieves an item by id or barcode, returns nil if it does not exist
	GetItem(ctx context.Context, key domain.LookupKey) (*domain.StockItem, error)

	// ListItems returns every item ordered by barcode
	ListItems(ctx context.Context) ([]domain.StockItem, error)

	// UpdateQuantity writes item.Quantity if the stored revision still equals item.Revision,
	// bumps the revision and records the transaction in the same unit of work.
	// Returns domain.ErrRevisionConflict when the revision moved.
	UpdateQuantity(ctx context.Context, item domain.StockItem, txn domain.StockTransaction) (*domain.StockItem, error)

	// ListTransactions returns the most recent transactions of an item, newest first
	ListTransactions(ctx context.Context, itemID string, limit int) ([]domain.StockTransaction, error)
}
