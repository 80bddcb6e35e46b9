package domain

import "time"

const InventoryTopic = "/inventory"

type CauseSource string

const (
	SourceScan   CauseSource = "scan"
	SourceManual CauseSource = "manual"
	SourceAPI    CauseSource = "api"
)

// Cause records what triggered a mutation. Actor is a session id, request id
// or remote address depending on the source.
type Cause struct {
	Source CauseSource `json:"source"`
	Actor  string      `json:"actor,omitempty"`
}

// MutationEvent is produced exactly once per committed mutation.
type MutationEvent struct {
	ID          string    `json:"id"`
	ItemID      string    `json:"item_id"`
	Barcode     string    `json:"barcode"`
	Topic       string    `json:"topic"`
	NewQuantity int       `json:"new_quantity"`
	Revision    int64     `json:"revision"`
	CausedBy    Cause     `json:"caused_by"`
	OccurredAt  time.Time `json:"occurred_at"`
}
