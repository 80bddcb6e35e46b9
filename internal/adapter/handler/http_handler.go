package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/core/realtime"
	"github.com/rl1809/inventory-sync/internal/core/service"
	"github.com/rl1809/inventory-sync/internal/port"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	requestIDHeader = "X-Request-ID"
)

type HTTPHandler struct {
	mutations *service.MutationService
	claims    requestClaims
	registry  *realtime.Registry
	logger    *zap.Logger
	startedAt time.Time
}

type ScanHTTPRequest struct {
	Barcode string `json:"barcode"`
}

type UpdateInventoryHTTPRequest struct {
	ProductID string `json:"productId"`
	Quantity  *int   `json:"quantity"`
}

type CreateItemHTTPRequest struct {
	Barcode  string `json:"barcode"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

type StockHTTPResponse struct {
	Status    string `json:"status"`
	ProductID string `json:"productId,omitempty"`
	Quantity  int    `json:"quantity"`
	Revision  int64  `json:"revision,omitempty"`
}

type ErrorHTTPResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ItemHTTPResponse struct {
	ID        string    `json:"id"`
	Barcode   string    `json:"barcode"`
	Name      string    `json:"name"`
	Quantity  int       `json:"quantity"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type TransactionHTTPResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Change    int       `json:"change"`
	Quantity  int       `json:"quantity"`
	Revision  int64     `json:"revision"`
	Source    string    `json:"source"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewHTTPHandler wires the REST façade. cache may be nil to disable scan de-duplication.
func NewHTTPHandler(mutations *service.MutationService, cache port.CacheRepository, registry *realtime.Registry, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		mutations: mutations,
		claims:    requestClaims{cache: cache, logger: logger},
		registry:  registry,
		logger:    logger,
		startedAt: time.Now(),
	}
}

func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /api/scan", h.Scan)
	mux.HandleFunc("POST /api/inventory", h.UpdateInventory)
	mux.HandleFunc("GET /api/items", h.ListItems)
	mux.HandleFunc("POST /api/items", h.CreateItem)
	mux.HandleFunc("GET /api/items/{id}", h.GetItem)
	mux.HandleFunc("GET /api/items/{id}/transactions", h.ListTransactions)
}

// Scan adds one unit to the item carrying the scanned barcode.
func (h *HTTPHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var req ScanHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Barcode == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	actor := r.RemoteAddr
	requestID := r.Header.Get(requestIDHeader)
	if requestID != "" {
		actor = requestID
	}

	release, err := h.claims.claim(r.Context(), requestID)
	if errors.Is(err, errDuplicateRequest) {
		writeError(w, http.StatusConflict, "duplicate request")
		return
	}
	if err != nil {
		h.logger.Error("idempotency check failed", zap.String("request_id", requestID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	item, err := h.mutations.Scan(r.Context(), req.Barcode, actor)
	if err != nil {
		release()
		h.writeMutationError(w, err)
		return
	}
	writeStock(w, item)
}

// UpdateInventory sets an absolute quantity, the manual update form.
func (h *HTTPHandler) UpdateInventory(w http.ResponseWriter, r *http.Request) {
	var req UpdateInventoryHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProductID == "" || req.Quantity == nil {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	cause := domain.Cause{Source: domain.SourceManual, Actor: r.RemoteAddr}
	item, err := h.mutations.SetQuantity(r.Context(), req.ProductID, *req.Quantity, cause)
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	writeStock(w, item)
}

func (h *HTTPHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.mutations.List(r.Context())
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	out := make([]ItemHTTPResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toItemResponse(item))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.mutations.Get(r.Context(), domain.ByID(r.PathValue("id")))
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (h *HTTPHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := h.mutations.Create(r.Context(), req.Barcode, req.Name, req.Quantity)
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemResponse(item))
}

func (h *HTTPHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	txns, err := h.mutations.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.writeMutationError(w, err)
		return
	}
	out := make([]TransactionHTTPResponse, 0, len(txns))
	for _, txn := range txns {
		out = append(out, TransactionHTTPResponse{
			ID:        txn.ID,
			Kind:      string(txn.Kind),
			Change:    txn.Change,
			Quantity:  txn.Quantity,
			Revision:  txn.Revision,
			Source:    string(txn.Source),
			Actor:     txn.Actor,
			CreatedAt: txn.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"liveSessions": h.registry.Len(),
		"uptime":       time.Since(h.startedAt).Round(time.Second).String(),
	})
}

func (h *HTTPHandler) writeMutationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "product not found")
	case errors.Is(err, service.ErrInvalidQuantity):
		writeError(w, http.StatusUnprocessableEntity, "quantity cannot be negative")
	case errors.Is(err, service.ErrConflictRetryExhausted):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "item is busy, retry")
	case errors.Is(err, service.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	case errors.Is(err, service.ErrDuplicateBarcode):
		writeError(w, http.StatusConflict, "barcode already registered")
	case errors.Is(err, service.ErrInvalidItem):
		writeError(w, http.StatusBadRequest, "missing required fields")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toItemResponse(item domain.StockItem) ItemHTTPResponse {
	return ItemHTTPResponse{
		ID:        item.ID,
		Barcode:   item.Barcode,
		Name:      item.Name,
		Quantity:  item.Quantity,
		Revision:  item.Revision,
		UpdatedAt: item.UpdatedAt,
	}
}

func writeStock(w http.ResponseWriter, item domain.StockItem) {
	writeJSON(w, http.StatusOK, StockHTTPResponse{
		Status:    statusSuccess,
		ProductID: item.ID,
		Quantity:  item.Quantity,
		Revision:  item.Revision,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorHTTPResponse{Status: statusError, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
