package port

import "context"

// CacheRepository holds short-lived request claims shared by every instance.
type CacheRepository interface {
	// SetIdempotency claims key and returns false if it was already claimed,
	// i.e. the request is a retry that must not mutate stock again.
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency drops a claim whose request did not succeed, so a
	// retry with the same key is applied.
	ReleaseIdempotency(ctx context.Context, key string) error
}
