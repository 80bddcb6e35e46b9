package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/inventory-sync/internal/port"
)

const releaseTimeout = 2 * time.Second

var errDuplicateRequest = errors.New("duplicate request")

// requestClaims de-duplicates retried scans carrying a request id. HTTP and
// gRPC share the key space, so a retry is caught whichever transport it uses.
// A nil cache disables de-duplication.
type requestClaims struct {
	cache  port.CacheRepository
	logger *zap.Logger
}

// claim reserves requestID. The returned release must be called when the
// request does not succeed, otherwise a retry would be rejected as a duplicate.
func (c requestClaims) claim(ctx context.Context, requestID string) (release func(), err error) {
	noop := func() {}
	if c.cache == nil || requestID == "" {
		return noop, nil
	}

	key := "scan:" + requestID
	ok, err := c.cache.SetIdempotency(ctx, key)
	if err != nil {
		return noop, fmt.Errorf("claim request %s: %w", requestID, err)
	}
	if !ok {
		return noop, errDuplicateRequest
	}

	return func() {
		// The request context may already be done.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := c.cache.ReleaseIdempotency(ctx, key); err != nil {
			c.logger.Warn("failed to release request claim", zap.String("request_id", requestID), zap.Error(err))
		}
	}, nil
}
