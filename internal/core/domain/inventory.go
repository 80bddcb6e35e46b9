package domain

import (
	"errors"
	"time"
)

var (
	ErrItemNotFound     = errors.New("item not found")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrDuplicateBarcode = errors.New("duplicate barcode")
)

type StockItem struct {
	ID        string
	Barcode   string
	Name      string
	Quantity  int
	Revision  int64 // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LookupKey addresses an item either by its internal id or by its barcode.
type LookupKey struct {
	ID      string
	Barcode string
}

func ByID(id string) LookupKey { return LookupKey{ID: id} }

func ByBarcode(barcode string) LookupKey { return LookupKey{Barcode: barcode} }

func (k LookupKey) String() string {
	if k.ID != "" {
		return "id:" + k.ID
	}
	return "barcode:" + k.Barcode
}

type MutationKind int

const (
	MutationDelta MutationKind = iota
	MutationAbsolute
)

// Mutation is either a relative change or an absolute target quantity.
type Mutation struct {
	Kind  MutationKind
	Value int
}

func Delta(n int) Mutation { return Mutation{Kind: MutationDelta, Value: n} }

func Absolute(n int) Mutation { return Mutation{Kind: MutationAbsolute, Value: n} }

// Resolve returns the quantity this mutation produces when applied to current.
func (m Mutation) Resolve(current int) int {
	if m.Kind == MutationAbsolute {
		return m.Value
	}
	return current + m.Value
}

type TransactionKind string

const (
	TransactionCheckIn    TransactionKind = "check-in"
	TransactionCheckOut   TransactionKind = "check-out"
	TransactionAdjustment TransactionKind = "adjustment"
)

// StockTransaction is the audit row written together with every quantity change.
type StockTransaction struct {
	ID        string
	ItemID    string
	Kind      TransactionKind
	Change    int
	Quantity  int
	Revision  int64
	Source    CauseSource
	Actor     string
	CreatedAt time.Time
}

// ClassifyTransaction maps a mutation and the resulting change to a transaction kind.
func ClassifyTransaction(m Mutation, change int) TransactionKind {
	switch {
	case m.Kind == MutationAbsolute:
		return TransactionAdjustment
	case change < 0:
		return TransactionCheckOut
	default:
		return TransactionCheckIn
	}
}
