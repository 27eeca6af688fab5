// Package cache is the read-side cache for claims. Entries expire after a
// configurable staleness budget and are eagerly invalidated by every
// successful write, so readers on the writing node observe their own writes.
package cache

import (
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/claims/claims/internal/domain/claims"
)

const (
	DefaultStaleness       = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
)

// ClaimCache holds single-claim entries and list pages. List pages are keyed
// by a fingerprint of the query; any claim write flushes all list pages
// because membership and ordering may have changed.
type ClaimCache struct {
	claims *gocache.Cache
	lists  *gocache.Cache
	logger zerolog.Logger
}

type listPage struct {
	items []*claims.Claim
	total int
}

func New(staleness, cleanupInterval time.Duration, logger zerolog.Logger) *ClaimCache {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &ClaimCache{
		claims: gocache.New(staleness, cleanupInterval),
		lists:  gocache.New(staleness, cleanupInterval),
		logger: logger.With().Str("component", "claim_cache").Logger(),
	}
}

// Get returns a copy of the cached claim, if fresh.
func (c *ClaimCache) Get(id uuid.UUID) (*claims.Claim, bool) {
	v, ok := c.claims.Get(id.String())
	if !ok {
		return nil, false
	}
	return v.(*claims.Claim).Clone(), true
}

// Set stores a copy of cl under its claim id.
func (c *ClaimCache) Set(cl *claims.Claim) {
	c.claims.SetDefault(cl.ID.String(), cl.Clone())
}

// GetList returns a cached list page by fingerprint.
func (c *ClaimCache) GetList(fingerprint string) ([]*claims.Claim, int, bool) {
	v, ok := c.lists.Get(fingerprint)
	if !ok {
		return nil, 0, false
	}
	page := v.(*listPage)
	return cloneAll(page.items), page.total, true
}

// SetList stores a list page under its fingerprint.
func (c *ClaimCache) SetList(fingerprint string, items []*claims.Claim, total int) {
	c.lists.SetDefault(fingerprint, &listPage{items: cloneAll(items), total: total})
}

// Invalidate drops the claim entry and flushes every list page.
func (c *ClaimCache) Invalidate(id uuid.UUID) {
	c.claims.Delete(id.String())
	c.lists.Flush()
	c.logger.Debug().Stringer("claim_id", id).Msg("cache invalidated")
}

func cloneAll(items []*claims.Claim) []*claims.Claim {
	out := make([]*claims.Claim, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
