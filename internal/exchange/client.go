// Package exchange defines the venue-facing client abstraction. Chunking,
// retry-fallback, and pagination policy live in the fetcher; adapters here
// implement only signing and endpoint mapping for one provider.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"trade-history-sync-go/internal/models"
)

// Query is one paginated fetch window. Cursor is the provider's opaque
// pagination token; empty means first page. StartMs/EndMs of zero mean the
// provider's default (unscoped) window.
type Query struct {
	StartMs int64
	EndMs   int64
	Cursor  string
	Limit   int
}

// Page is one page of records plus the cursor for the next one, if any.
type Page[T any] struct {
	Records    []T
	NextCursor string
}

// Client is the provider-facing collaborator. Implementations must
// distinguish transport failure, no data, unsupported account tier, and rate
// limiting via the error taxonomy below.
type Client interface {
	FetchExecutions(ctx context.Context, account string, q Query) (*Page[models.TradeExecution], error)
	FetchClosedPositions(ctx context.Context, account string, q Query) (*Page[models.ClosedPositionRecord], error)
}

// ProviderErrorKind classifies a non-zero provider status.
type ProviderErrorKind int

const (
	// KindRetriable covers transient provider statuses worth another attempt.
	KindRetriable ProviderErrorKind = iota
	// KindAccountUnsupported means the endpoint is not available for the
	// account's tier; further strategies for that endpoint are pointless.
	KindAccountUnsupported
	// KindRateLimited means the provider throttled the call. The chunk is
	// counted as failed rather than retried.
	KindRateLimited
)

// TransportError is a network or HTTP-level failure before any provider
// status was decoded.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// ProviderError is a decoded non-zero provider status.
type ProviderError struct {
	Code int
	Msg  string
	Kind ProviderErrorKind
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Msg)
}

// IsUnsupported reports whether err is a provider "account tier unsupported"
// status.
func IsUnsupported(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindAccountUnsupported
}

// IsRateLimited reports whether err is a provider throttle response.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindRateLimited
}

// IsTransport reports whether err is a network/HTTP failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
