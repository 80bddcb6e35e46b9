package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/observability"
	"github.com/rl1809/inventory-sync/internal/port"
)

var (
	ErrNotFound               = errors.New("item not found")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrConflictRetryExhausted = errors.New("concurrent update conflict, retry later")
	ErrInvalidItem            = errors.New("invalid item")
	ErrDuplicateBarcode       = errors.New("barcode already registered")
	ErrClosed                 = errors.New("mutation service closed")
)

const (
	DefaultMaxRetries = 3
	DefaultQueueSize  = 1024
)

type Options struct {
	MaxRetries int
	QueueSize  int
	Topic      string
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// MutationService applies stock mutations and emits one MutationEvent per
// committed change on the channel returned by Events.
type MutationService struct {
	repo       port.InventoryRepository
	locks      *keyedMutex
	events     chan domain.MutationEvent
	maxRetries int
	topic      string
	logger     *zap.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	now        func() time.Time

	// closeMu is held shared by every apply, across its event send, and
	// exclusively by Close.
	closeMu sync.RWMutex
	closed  bool
}

func NewMutationService(repo port.InventoryRepository, opts Options) *MutationService {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Topic == "" {
		opts.Topic = domain.InventoryTopic
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &MutationService{
		repo:       repo,
		locks:      newKeyedMutex(),
		events:     make(chan domain.MutationEvent, opts.QueueSize),
		maxRetries: opts.MaxRetries,
		topic:      opts.Topic,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     otel.Tracer("github.com/rl1809/inventory-sync/internal/core/service"),
		now:        time.Now,
	}
}

// Scan increments the item carrying barcode by one.
func (s *MutationService) Scan(ctx context.Context, barcode, actor string) (domain.StockItem, error) {
	return s.Apply(ctx, domain.ByBarcode(barcode), domain.Delta(1), domain.Cause{Source: domain.SourceScan, Actor: actor})
}

// SetQuantity sets an absolute quantity, still subject to the revision check.
func (s *MutationService) SetQuantity(ctx context.Context, itemID string, quantity int, cause domain.Cause) (domain.StockItem, error) {
	return s.Apply(ctx, domain.ByID(itemID), domain.Absolute(quantity), cause)
}

func (s *MutationService) Apply(ctx context.Context, key domain.LookupKey, m domain.Mutation, cause domain.Cause) (domain.StockItem, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.apply", trace.WithAttributes(
		attribute.String("inventory.key", key.String()),
		attribute.Int("inventory.mutation.value", m.Value),
		attribute.Bool("inventory.mutation.absolute", m.Kind == domain.MutationAbsolute),
		attribute.String("inventory.cause", string(cause.Source)),
	))
	defer span.End()

	item, err := s.apply(ctx, key, m, cause)
	s.metrics.ObserveMutation(string(cause.Source), resultLabel(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.StockItem{}, err
	}

	span.SetAttributes(
		attribute.String("inventory.item_id", item.ID),
		attribute.Int64("inventory.revision", item.Revision),
	)
	return item, nil
}

func (s *MutationService) apply(ctx context.Context, key domain.LookupKey, m domain.Mutation, cause domain.Cause) (domain.StockItem, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return domain.StockItem{}, ErrClosed
	}

	found, err := s.repo.GetItem(ctx, key)
	if err != nil {
		return domain.StockItem{}, fmt.Errorf("get item: %w", err)
	}
	if found == nil {
		return domain.StockItem{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	unlock := s.locks.Lock(found.ID)
	defer unlock()

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		current, err := s.repo.GetItem(ctx, domain.ByID(found.ID))
		if err != nil {
			return domain.StockItem{}, fmt.Errorf("get item: %w", err)
		}
		if current == nil {
			return domain.StockItem{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		quantity := m.Resolve(current.Quantity)
		if quantity < 0 {
			return domain.StockItem{}, fmt.Errorf("%w: %s would drop to %d", ErrInvalidQuantity, current.ID, quantity)
		}

		now := s.now()
		next := *current
		next.Quantity = quantity
		next.UpdatedAt = now
		change := quantity - current.Quantity
		txn := domain.StockTransaction{
			ID:        uuid.NewString(),
			ItemID:    current.ID,
			Kind:      domain.ClassifyTransaction(m, change),
			Change:    change,
			Quantity:  quantity,
			Revision:  current.Revision + 1,
			Source:    cause.Source,
			Actor:     cause.Actor,
			CreatedAt: now,
		}

		updated, err := s.repo.UpdateQuantity(ctx, next, txn)
		if errors.Is(err, domain.ErrRevisionConflict) {
			s.metrics.ObserveConflict()
			s.logger.Debug("revision conflict, retrying",
				zap.String("item_id", current.ID),
				zap.Int64("revision", current.Revision),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return domain.StockItem{}, fmt.Errorf("update quantity: %w", err)
		}

		// Emitted under the item lock so per-item event order matches commit order.
		s.events <- domain.MutationEvent{
			ID:          uuid.NewString(),
			ItemID:      updated.ID,
			Barcode:     updated.Barcode,
			Topic:       s.topic,
			NewQuantity: updated.Quantity,
			Revision:    updated.Revision,
			CausedBy:    cause,
			OccurredAt:  now,
		}
		return *updated, nil
	}

	s.logger.Warn("mutation retries exhausted",
		zap.String("item_id", found.ID),
		zap.Int("attempts", s.maxRetries),
	)
	return domain.StockItem{}, fmt.Errorf("%w: %s after %d attempts", ErrConflictRetryExhausted, found.ID, s.maxRetries)
}

// Create registers a new item at revision 1. No event is emitted.
func (s *MutationService) Create(ctx context.Context, barcode, name string, quantity int) (domain.StockItem, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.StockItem{}, fmt.Errorf("%w: barcode is required", ErrInvalidItem)
	}
	if quantity < 0 {
		return domain.StockItem{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}

	now := s.now()
	item := domain.StockItem{
		ID:        uuid.NewString(),
		Barcode:   barcode,
		Name:      name,
		Quantity:  quantity,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateItem(ctx, item); err != nil {
		if errors.Is(err, domain.ErrDuplicateBarcode) {
			return domain.StockItem{}, fmt.Errorf("%w: %s", ErrDuplicateBarcode, barcode)
		}
		return domain.StockItem{}, fmt.Errorf("create item: %w", err)
	}
	return item, nil
}

func (s *MutationService) Get(ctx context.Context, key domain.LookupKey) (domain.StockItem, error) {
	item, err := s.repo.GetItem(ctx, key)
	if err != nil {
		return domain.StockItem{}, fmt.Errorf("get item: %w", err)
	}
	if item == nil {
		return domain.StockItem{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return *item, nil
}

func (s *MutationService) List(ctx context.Context) ([]domain.StockItem, error) {
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *MutationService) History(ctx context.Context, itemID string, limit int) ([]domain.StockTransaction, error) {
	if _, err := s.Get(ctx, domain.ByID(itemID)); err != nil {
		return nil, err
	}
	txns, err := s.repo.ListTransactions(ctx, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, nil
}

func (s *MutationService) Events() <-chan domain.MutationEvent {
	return s.events
}

// Close waits for in-flight mutations, then closes the event channel. Later
// calls to Apply fail with ErrClosed without touching the store.
func (s *MutationService) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return observability.ResultSuccess
	case errors.Is(err, ErrNotFound):
		return observability.ResultNotFound
	case errors.Is(err, ErrInvalidQuantity):
		return observability.ResultInvalid
	case errors.Is(err, ErrConflictRetryExhausted):
		return observability.ResultConflict
	default:
		return observability.ResultError
	}
}
