package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lexcomply/ledger/internal/ledger/metrics"
)

// MerkleRoot folds a sequence of hex digests into a single root.
//
// The fold is binary and bottom-up: adjacent digests are paired and each pair
// hashed as SHA256(left || right) over the hex text; a level with an odd
// count duplicates its last digest to complete the pairing. Each level
// produces a new slice, so the input is never mutated. An empty input folds
// to the empty string.
func MerkleRoot(digests []string) string {
	if len(digests) == 0 {
		return ""
	}
	level := digests
	for len(level) > 1 {
		level = foldLevel(level)
	}
	return level[0]
}

func foldLevel(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left // duplicate-last rule for odd counts
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, HashHex([]byte(left+right)))
	}
	return next
}

// AnchorerConfig configures the periodic Merkle anchoring job.
type AnchorerConfig struct {
	// Window is the batch window length. Defaults to 1h if zero.
	Window time.Duration

	// Lag keeps the anchorer strictly behind the append path: only windows
	// whose end is at least Lag in the past are closed. Defaults to 1m.
	Lag time.Duration

	// TenantConcurrency bounds parallel per-tenant anchoring. Defaults to 4.
	TenantConcurrency int

	Metrics *metrics.Metrics
}

// Anchorer periodically folds each tenant's freshly-closed window of entry
// digests into a Merkle root, so batch membership can be attested without
// replaying the full hash chain. It only ever reads entries strictly older
// than the window close, so it never races with in-flight appends.
type Anchorer struct {
	store   Store
	cfg     AnchorerConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAnchorer constructs an Anchorer.
func NewAnchorer(store Store, cfg AnchorerConfig) *Anchorer {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.Lag <= 0 {
		cfg.Lag = time.Minute
	}
	if cfg.TenantConcurrency <= 0 {
		cfg.TenantConcurrency = 4
	}
	return &Anchorer{
		store:   store,
		cfg:     cfg,
		metrics: cfg.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CloseBatch folds the digests of all of tenant's entries inside the window
// into a root and persists it. The window must already have elapsed. Closing
// an empty window returns (nil, nil). Re-closing a window is idempotent: the
// same entries produce the same root.
func (a *Anchorer) CloseBatch(ctx context.Context, tenantID string, window ChainRange) (*MerkleAnchor, error) {
	if window.To.IsZero() || window.To.After(a.now()) {
		return nil, fmt.Errorf("window [%s, %s) is not closed yet", window.From, window.To)
	}

	entries, err := a.store.ListChain(ctx, tenantID, window)
	if err != nil {
		return nil, fmt.Errorf("list window entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	digests := make([]string, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		digests[i] = e.CurrentHash
		ids[i] = e.EntryID
	}

	anchor := &MerkleAnchor{
		ID:          NewUUID(),
		TenantID:    tenantID,
		Root:        MerkleRoot(digests),
		WindowStart: window.From,
		WindowEnd:   window.To,
		EntryCount:  len(entries),
		ClosedAt:    a.now(),
	}
	if err := a.store.SaveAnchor(ctx, anchor, ids); err != nil {
		return nil, fmt.Errorf("save anchor: %w", err)
	}
	a.metrics.ObserveAnchor()
	return anchor, nil
}

// Tick closes every complete window for every tenant. It is idempotent and
// resumable: each tenant's next window starts where its last anchor ended,
// so a crash mid-run simply re-runs safely.
func (a *Anchorer) Tick(ctx context.Context) error {
	tenants, err := a.store.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.TenantConcurrency)
	for _, tenant := range tenants {
		tenant := tenant
		g.Go(func() error {
			if err := a.anchorTenant(gctx, tenant); err != nil {
				log.Printf("[ledger.anchor] tenant %s: %v", tenant, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// anchorTenant closes windows for one tenant until it catches up to now-Lag.
func (a *Anchorer) anchorTenant(ctx context.Context, tenantID string) error {
	start, err := a.nextWindowStart(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // no entries yet
		}
		return err
	}

	horizon := a.now().Add(-a.cfg.Lag)
	for end := start.Add(a.cfg.Window); !end.After(horizon); end = start.Add(a.cfg.Window) {
		if _, err := a.CloseBatch(ctx, tenantID, ChainRange{From: start, To: end}); err != nil {
			return err
		}
		start = end
	}
	return nil
}

func (a *Anchorer) nextWindowStart(ctx context.Context, tenantID string) (time.Time, error) {
	last, err := a.store.LastAnchor(ctx, tenantID)
	if err == nil {
		return last.WindowEnd, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return time.Time{}, err
	}
	// First anchor for this tenant: start at the earliest entry, aligned down
	// to the window length so repeated runs pick identical boundaries.
	entries, err := a.store.ListChain(ctx, tenantID, ChainRange{})
	if err != nil {
		return time.Time{}, err
	}
	if len(entries) == 0 {
		return time.Time{}, ErrNotFound
	}
	return entries[0].Context.Timestamp.Truncate(a.cfg.Window), nil
}
