package handler

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/inventory-sync/internal/core/domain"
	"github.com/rl1809/inventory-sync/internal/core/service"
	"github.com/rl1809/inventory-sync/internal/port"
)

const InventoryServiceName = "inventory.v1.InventoryService"

// InventoryServer is the unary surface of inventory.v1.InventoryService.
// Requests and responses are google.protobuf.Struct values.
type InventoryServer interface {
	Scan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpdateQuantity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetItem(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type GRPCHandler struct {
	mutations *service.MutationService
	claims    requestClaims
	logger    *zap.Logger
}

// NewGRPCHandler wires the gRPC façade. cache may be nil to disable scan de-duplication.
func NewGRPCHandler(mutations *service.MutationService, cache port.CacheRepository, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{
		mutations: mutations,
		claims:    requestClaims{cache: cache, logger: logger},
		logger:    logger,
	}
}

// Scan expects {barcode, requestId?}. A requestId already applied is
// rejected as a duplicate.
func (h *GRPCHandler) Scan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	barcode := stringField(req, "barcode")
	if barcode == "" {
		return failure("barcode is required"), nil
	}

	requestID := stringField(req, "requestId")
	release, err := h.claims.claim(ctx, requestID)
	if errors.Is(err, errDuplicateRequest) {
		return failure("duplicate request"), nil
	}
	if err != nil {
		h.logger.Error("idempotency check failed", zap.String("request_id", requestID), zap.Error(err))
		return failure("internal error"), nil
	}

	item, err := h.mutations.Scan(ctx, barcode, requestID)
	if err != nil {
		release()
		return h.mutationFailure(err), nil
	}
	return success("scan recorded", item), nil
}

// UpdateQuantity expects {productId, quantity}.
func (h *GRPCHandler) UpdateQuantity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	productID := stringField(req, "productId")
	qv, ok := req.GetFields()["quantity"]
	if productID == "" || !ok {
		return failure("productId and quantity are required"), nil
	}
	quantity, ok := intValue(qv)
	if !ok {
		return failure("quantity must be an integer"), nil
	}
	item, err := h.mutations.SetQuantity(ctx, productID, quantity, domain.Cause{
		Source: domain.SourceAPI,
		Actor:  "grpc",
	})
	if err != nil {
		return h.mutationFailure(err), nil
	}
	return success("quantity updated", item), nil
}

// GetItem expects {productId} or {barcode}.
func (h *GRPCHandler) GetItem(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := domain.ByID(stringField(req, "productId"))
	if key.ID == "" {
		key = domain.ByBarcode(stringField(req, "barcode"))
	}
	if key.ID == "" && key.Barcode == "" {
		return failure("productId or barcode is required"), nil
	}
	item, err := h.mutations.Get(ctx, key)
	if err != nil {
		return h.mutationFailure(err), nil
	}
	return success("ok", item), nil
}

func (h *GRPCHandler) mutationFailure(err error) *structpb.Struct {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return failure("product not found")
	case errors.Is(err, service.ErrInvalidQuantity):
		return failure("quantity cannot be negative")
	case errors.Is(err, service.ErrConflictRetryExhausted):
		return failure("item is busy, retry")
	case errors.Is(err, service.ErrClosed):
		return failure("server is shutting down")
	default:
		h.logger.Error("grpc request failed", zap.Error(err))
		return failure("internal error")
	}
}

func success(message string, item domain.StockItem) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"success":   structpb.NewBoolValue(true),
		"message":   structpb.NewStringValue(message),
		"productId": structpb.NewStringValue(item.ID),
		"barcode":   structpb.NewStringValue(item.Barcode),
		"quantity":  structpb.NewNumberValue(float64(item.Quantity)),
		"revision":  structpb.NewNumberValue(float64(item.Revision)),
	}}
}

func failure(message string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"success": structpb.NewBoolValue(false),
		"message": structpb.NewStringValue(message),
	}}
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

// intValue accepts only whole numbers within the stored column's range.
func intValue(v *structpb.Value) (int, bool) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	f := n.NumberValue
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func RegisterInventoryServer(s grpc.ServiceRegistrar, srv InventoryServer) {
	s.RegisterService(&inventoryServiceDesc, srv)
}

func unaryHandler(method string, call func(InventoryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(InventoryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + InventoryServiceName + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(InventoryServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var inventoryServiceDesc = grpc.ServiceDesc{
	ServiceName: InventoryServiceName,
	HandlerType: (*InventoryServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Scan", InventoryServer.Scan),
		unaryHandler("UpdateQuantity", InventoryServer.UpdateQuantity),
		unaryHandler("GetItem", InventoryServer.GetItem),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inventory/v1/inventory.proto",
}

// InventoryClient calls inventory.v1.InventoryService over any client connection.
type InventoryClient struct {
	cc grpc.ClientConnInterface
}

func NewInventoryClient(cc grpc.ClientConnInterface) *InventoryClient {
	return &InventoryClient{cc: cc}
}

func (c *InventoryClient) Scan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Scan", in, opts...)
}

func (c *InventoryClient) UpdateQuantity(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "UpdateQuantity", in, opts...)
}

func (c *InventoryClient) GetItem(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetItem", in, opts...)
}

func (c *InventoryClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+InventoryServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
