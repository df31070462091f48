// Package cache stores evaluation responses keyed by a request fingerprint.
//
// Entries expire after a TTL and the store holds at most a fixed number of
// entries, evicting the oldest-inserted first. Reads never refresh an
// entry's position. A hit is handed out as a copy whose timing metadata is
// rewritten, so it never re-reports the original evaluation time.
package cache

import (
	"context"
	"time"

	"github.com/timvw/loopsmith/internal/model"
)

const (
	// DefaultCapacity is the entry limit when none is configured.
	DefaultCapacity = 100
	// DefaultTTL is the entry lifetime when none is configured.
	DefaultTTL = time.Hour
	// ModelUsed replaces metadata.model_used on a cache hit.
	ModelUsed = "cache"
)

// Store is a fingerprint-keyed response cache. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns a copy of the fresh entry for key. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) (*model.EvaluationResponse, bool, error)
	// Put stores resp under key, evicting the oldest entry if full.
	Put(ctx context.Context, key string, resp *model.EvaluationResponse) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Stats returns counters since creation.
	Stats() Stats
}

// Stats are cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// asHit returns a copy of resp marked as cache-derived.
func asHit(resp *model.EvaluationResponse) *model.EvaluationResponse {
	c := resp.Clone()
	c.Metadata.EvaluationTime = 0
	c.Metadata.ModelUsed = ModelUsed
	return c
}
