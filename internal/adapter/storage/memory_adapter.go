package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

// MemoryAdapter is an in-process inventory store with the same revision
// semantics as SQLAdapter. The map lock is held only for single operations.
type MemoryAdapter struct {
	mu        sync.RWMutex
	items     map[string]domain.StockItem
	byBarcode map[string]string
	txns      map[string][]domain.StockTransaction
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		items:     make(map[string]domain.StockItem),
		byBarcode: make(map[string]string),
		txns:      make(map[string][]domain.StockTransaction),
	}
}

func (m *MemoryAdapter) CreateItem(ctx context.Context, item domain.StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byBarcode[item.Barcode]; ok {
		return domain.ErrDuplicateBarcode
	}
	if _, ok := m.items[item.ID]; ok {
		return domain.ErrDuplicateBarcode
	}
	m.items[item.ID] = item
	m.byBarcode[item.Barcode] = item.ID
	return nil
}

func (m *MemoryAdapter) GetItem(ctx context.Context, key domain.LookupKey) (*domain.StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id := key.ID
	if id == "" {
		id = m.byBarcode[key.Barcode]
	}
	item, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (m *MemoryAdapter) ListItems(ctx context.Context) ([]domain.StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]domain.StockItem, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Barcode < items[j].Barcode })
	return items, nil
}

func (m *MemoryAdapter) UpdateQuantity(ctx context.Context, item domain.StockItem, txn domain.StockTransaction) (*domain.StockItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.items[item.ID]
	if !ok || stored.Revision != item.Revision {
		return nil, domain.ErrRevisionConflict
	}

	stored.Quantity = item.Quantity
	stored.Revision++
	stored.UpdatedAt = item.UpdatedAt
	m.items[item.ID] = stored
	m.txns[item.ID] = append(m.txns[item.ID], txn)
	return &stored, nil
}

func (m *MemoryAdapter) ListTransactions(ctx context.Context, itemID string, limit int) ([]domain.StockTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.txns[itemID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]domain.StockTransaction, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// MemoryCache is the single-instance stand-in for RedisAdapter's idempotency keys.
type MemoryCache struct {
	mu   sync.Mutex
	keys map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{keys: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (c *MemoryCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if expires, ok := c.keys[key]; ok && now.Before(expires) {
		return false, nil
	}
	c.keys[key] = now.Add(c.ttl)

	// Opportunistic sweep keeps the map bounded by live keys.
	for k, expires := range c.keys {
		if !now.Before(expires) {
			delete(c.keys, k)
		}
	}
	return true, nil
}

func (c *MemoryCache) ReleaseIdempotency(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	return nil
}
