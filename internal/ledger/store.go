package ledger

import (
	"context"
	"time"
)

// Head is the hot per-tenant value every append contends on: the hash of the
// most recently committed entry, its commit sequence and its context
// timestamp. The timestamp lets the chain builder keep timestamp order
// aligned with commit order.
type Head struct {
	Hash      string
	Seq       uint64
	Timestamp time.Time
}

// ChainRange bounds a chain-order scan by context timestamp. Zero values mean
// unbounded on that side. From is inclusive, To exclusive.
type ChainRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether ts falls inside the range.
func (r ChainRange) Contains(ts time.Time) bool {
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !ts.Before(r.To) {
		return false
	}
	return true
}

// Store is the persistence abstraction the ledger components share. Committed
// entries are immutable: there is deliberately no general update method. The
// only mutating operations beyond append are the sanctioned forensics and
// retention lifecycle writes.
type Store interface {
	// Head returns the latest committed hash, sequence and timestamp for a
	// tenant, or (SentinelHash, 0, zero time) when the chain is empty.
	Head(ctx context.Context, tenantID string) (Head, error)

	// AppendEntry persists a fully-populated entry atomically, conditioned on
	// the tenant head still being expectHead. Returns ErrHeadConflict when
	// another append won the race, ErrImmutableLog when the entry id already
	// exists.
	AppendEntry(ctx context.Context, e *AuditEntry, expectHead string) error

	// GetEntry retrieves an entry by id.
	GetEntry(ctx context.Context, entryID string) (*AuditEntry, error)

	// GetEntryByHash retrieves an entry by its currentHash.
	GetEntryByHash(ctx context.Context, hash string) (*AuditEntry, error)

	// ListChain returns a tenant's entries in chain order (context timestamp,
	// then commit sequence), bounded by r. Purged entries are excluded.
	ListChain(ctx context.Context, tenantID string, r ChainRange) ([]*AuditEntry, error)

	// Tenants lists tenant ids with at least one entry, for batch jobs.
	Tenants(ctx context.Context) ([]string, error)

	// SaveAnchor persists a closed batch root and stamps merkleRoot on the
	// listed entries. Idempotent: re-saving the same window overwrites.
	SaveAnchor(ctx context.Context, a *MerkleAnchor, entryIDs []string) error

	// LastAnchor returns the most recent anchor for a tenant or ErrNotFound.
	LastAnchor(ctx context.Context, tenantID string) (*MerkleAnchor, error)

	// ListAnchors returns anchors whose windows overlap r, oldest first.
	ListAnchors(ctx context.Context, tenantID string, r ChainRange) ([]*MerkleAnchor, error)

	// MarkTampered records tamper evidence and a custody annotation on an
	// entry. This is the one sanctioned post-commit forensics write.
	MarkTampered(ctx context.Context, entryID string, ev TamperEvidence, custody CustodyEvent) error

	// UpdateRetentionState moves entries to a new lifecycle state.
	UpdateRetentionState(ctx context.Context, entryIDs []string, state RetentionState) error

	// ListPurgeEligible returns entries whose retention expiry has passed and
	// which carry no active legal hold. Held entries are never returned.
	ListPurgeEligible(ctx context.Context, asOf time.Time, limit int) ([]*AuditEntry, error)

	// SetHold places or updates the legal hold record on an entry.
	SetHold(ctx context.Context, entryID string, hold *LegalHold) error

	// DeleteEntries removes purged entries. Callers must have committed the
	// purge audit record first; the delete itself is unconditional.
	DeleteEntries(ctx context.Context, entryIDs []string) error

	// Ping validates the store is reachable/healthy.
	Ping(ctx context.Context) error
}
