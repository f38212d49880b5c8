package ai

import (
	"context"
	"errors"
	"time"
)

// Provider is a chat-style completion backend. Implementations send the
// system instruction plus user payload to the named model and return the
// raw text of the single response candidate.
type Provider interface {
	Complete(ctx context.Context, model, system, user string, maxTokens int) (string, error)
}

// Provider error taxonomy. RateLimited and ServerError trigger the one-shot
// model downgrade; ParseError and NoResponse resolve to the default result.
var (
	ErrNoResponse  = errors.New("empty provider response")
	ErrRateLimited = errors.New("provider rate limited")
	ErrServerError = errors.New("provider server error")
	ErrParse       = errors.New("malformed provider response")
)

// CacheStore holds serialized extraction payloads keyed by content hash.
// Purely an optimization: losing entries never affects correctness.
type CacheStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// DefaultCacheTTL is how long a cached extraction stays valid.
const DefaultCacheTTL = 24 * time.Hour
