package orchestrator

import (
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/claims/claims/internal/domain/claims"
	"github.com/claims/claims/internal/lifecycle"
)

// idempotencyStore remembers the claim snapshot produced by each keyed
// request for a retention window. A replay within the window returns the
// snapshot without touching the store or re-running the transition.
type idempotencyStore struct {
	entries *gocache.Cache
}

func newIdempotencyStore(window time.Duration) *idempotencyStore {
	if window <= 0 {
		window = time.Hour
	}
	return &idempotencyStore{entries: gocache.New(window, 2*window)}
}

func idemKey(claimID uuid.UUID, requestKey string, ev lifecycle.EventType) string {
	return claimID.String() + "|" + requestKey + "|" + string(ev)
}

func (s *idempotencyStore) get(claimID uuid.UUID, requestKey string, ev lifecycle.EventType) (*claims.Claim, bool) {
	v, ok := s.entries.Get(idemKey(claimID, requestKey, ev))
	if !ok {
		return nil, false
	}
	return v.(*claims.Claim).Clone(), true
}

func (s *idempotencyStore) put(claimID uuid.UUID, requestKey string, ev lifecycle.EventType, snapshot *claims.Claim) {
	s.entries.SetDefault(idemKey(claimID, requestKey, ev), snapshot.Clone())
}
