// Package ingest talks to the upstream data providers (NEIS academic and
// meal data, KMA weather, Seoul open data river temperature) and maps
// their responses into the canonical cache payloads.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hdmeal/hdmeal/store"
)

// RawRecord is one provider record scoped to a single cache key. Body
// keeps the provider's own field names; the Normalizer turns it into a
// canonical payload.
type RawRecord struct {
	Date         time.Time
	Grade        int
	ClassSection int
	Body         json.RawMessage
}

// Connector fetches raw records for a date range from one upstream
// provider. Implementations must be safe to call repeatedly with the same
// range and never touch the cache store.
type Connector interface {
	// MaxSpanDays is the provider's maximum queryable span per call.
	// Callers split wider windows into sub-ranges before fetching.
	MaxSpanDays() int

	// Fetch returns the raw records the provider has for the range,
	// ordered by date. Dates the provider has nothing for are simply
	// missing from the result. Failures are *UpstreamError.
	Fetch(ctx context.Context, dataType store.DataType, dateRange store.DateRange) ([]RawRecord, error)
}
