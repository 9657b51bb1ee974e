package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRetention(store Store, builder *ChainBuilder, cfg RetentionManagerConfig, now time.Time) *RetentionManager {
	m := NewRetentionManager(store, builder, cfg)
	m.now = func() time.Time { return now }
	return m
}

func TestSweepAdvancesOneStagePerPass(t *testing.T) {
	store := NewMemoryStore()
	builder := newTestBuilder(store)
	committed := buildChain(t, store, "acme", 3)
	ctx := context.Background()

	// Well past every retention floor.
	cutoff := committed[2].Context.Timestamp.AddDate(10, 0, 0)
	manager := newTestRetention(store, builder, RetentionManagerConfig{}, cutoff)

	res, err := manager.Sweep(ctx, "sweeper")
	require.NoError(t, err)
	require.Equal(t, 3, res.MarkedEligible)
	require.Zero(t, res.Archived)
	require.Zero(t, res.Purged)
	for _, e := range committed {
		got, err := store.GetEntry(ctx, e.EntryID)
		require.NoError(t, err)
		require.Equal(t, RetentionEligible, got.Retention.State)
	}

	res, err = manager.Sweep(ctx, "sweeper")
	require.NoError(t, err)
	require.Equal(t, 3, res.Archived)
	require.Zero(t, res.Purged)

	res, err = manager.Sweep(ctx, "sweeper")
	require.NoError(t, err)
	require.Equal(t, 3, res.Purged)
	for _, e := range committed {
		_, err := store.GetEntry(ctx, e.EntryID)
		require.ErrorIs(t, err, ErrNotFound)
	}

	// The purge itself is on the record, committed before deletion.
	entries, err := store.ListChain(ctx, "acme", ChainRange{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, EventRetentionPurge, entries[0].EventType)
	require.Contains(t, entries[0].Description, "3 entries")
}

func TestSweepLeavesUnexpiredEntriesAlone(t *testing.T) {
	store := NewMemoryStore()
	builder := newTestBuilder(store)
	committed := buildChain(t, store, "acme", 2)
	ctx := context.Background()

	manager := newTestRetention(store, builder, RetentionManagerConfig{}, committed[1].Context.Timestamp.Add(time.Hour))
	res, err := manager.Sweep(ctx, "sweeper")
	require.NoError(t, err)
	require.Zero(t, res.MarkedEligible+res.Archived+res.Purged)

	for _, e := range committed {
		got, err := store.GetEntry(ctx, e.EntryID)
		require.NoError(t, err)
		require.Equal(t, RetentionActive, got.Retention.State)
	}
}

func TestLegalHoldFreezesLifecycle(t *testing.T) {
	store := NewMemoryStore()
	builder := newTestBuilder(store)
	committed := buildChain(t, store, "acme", 3)
	ctx := context.Background()

	cutoff := committed[2].Context.Timestamp.AddDate(10, 0, 0)
	manager := newTestRetention(store, builder, RetentionManagerConfig{}, cutoff)

	hold, err := manager.PlaceLegalHold(ctx, committed[1].EntryID, "pending litigation", "counsel-1", "case-2026-17")
	require.NoError(t, err)
	require.True(t, hold.Active)

	for i := 0; i < 4; i++ {
		_, err := manager.Sweep(ctx, "sweeper")
		require.NoError(t, err)
	}

	// The held entry is frozen where it stood; its siblings were purged.
	held, err := store.GetEntry(ctx, committed[1].EntryID)
	require.NoError(t, err)
	require.Equal(t, RetentionActive, held.Retention.State)
	_, err = store.GetEntry(ctx, committed[0].EntryID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetEntry(ctx, committed[2].EntryID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeRechecksHolds(t *testing.T) {
	store := NewMemoryStore()
	builder := newTestBuilder(store)
	committed := buildChain(t, store, "acme", 2)
	ctx := context.Background()

	cutoff := committed[1].Context.Timestamp.AddDate(10, 0, 0)
	manager := newTestRetention(store, builder, RetentionManagerConfig{}, cutoff)

	// Hold lands between eligibility listing and purge execution.
	_, err := manager.PlaceLegalHold(ctx, committed[0].EntryID, "subpoena", "counsel-1", "case-2026-18")
	require.NoError(t, err)

	n, err := manager.Purge(ctx, committed, "sweeper", cutoff)
	require.ErrorIs(t, err, ErrLegalHold)
	require.Zero(t, n)

	// Nothing was deleted.
	for _, e := range committed {
		_, err := store.GetEntry(ctx, e.EntryID)
		require.NoError(t, err)
	}
}

func TestPlaceLegalHoldValidatesAndIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	builder := newTestBuilder(store)
	committed := buildChain(t, store, "acme", 1)
	ctx := context.Background()

	manager := newTestRetention(store, builder, RetentionManagerConfig{}, time.Now().UTC())

	_, err := manager.PlaceLegalHold(ctx, committed[0].EntryID, "", "counsel-1", "case-1")
	require.ErrorIs(t, err, ErrValidation)
	_, err = manager.PlaceLegalHold(ctx, "missing-id", "reason", "counsel-1", "case-1")
	require.ErrorIs(t, err, ErrNotFound)

	hold, err := manager.PlaceLegalHold(ctx, committed[0].EntryID, "reason", "counsel-1", "case-1")
	require.NoError(t, err)
	again, err := manager.PlaceLegalHold(ctx, committed[0].EntryID, "other reason", "counsel-2", "case-2")
	require.NoError(t, err)
	require.Equal(t, hold.ID, again.ID)

	// Exactly one hold-change record was committed.
	entries, err := store.ListChain(ctx, "acme", ChainRange{})
	require.NoError(t, err)
	holdRecords := 0
	for _, e := range entries {
		if e.EventType == EventLegalHoldChange {
			holdRecords++
		}
	}
	require.Equal(t, 1, holdRecords)
}

func TestReleaseLegalHold(t *testing.T) {
	store := NewMemoryStore()
	builder := newTestBuilder(store)
	committed := buildChain(t, store, "acme", 1)
	ctx := context.Background()

	released := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	manager := newTestRetention(store, builder, RetentionManagerConfig{}, released)

	err := manager.ReleaseLegalHold(ctx, committed[0].EntryID, "counsel-1", "case closed")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = manager.PlaceLegalHold(ctx, committed[0].EntryID, "reason", "counsel-1", "case-1")
	require.NoError(t, err)

	err = manager.ReleaseLegalHold(ctx, committed[0].EntryID, "counsel-1", "")
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, manager.ReleaseLegalHold(ctx, committed[0].EntryID, "counsel-1", "case closed"))

	got, err := store.GetEntry(ctx, committed[0].EntryID)
	require.NoError(t, err)
	require.False(t, got.Retention.HeldLegally())
	require.False(t, got.Retention.Hold.Active)
	require.Equal(t, "counsel-1", got.Retention.Hold.ReleasedBy)
	require.NotNil(t, got.Retention.Hold.ReleasedAt)
}

type failingArchiver struct{ calls int }

func (f *failingArchiver) ArchiveEntry(ctx context.Context, e *AuditEntry) (string, error) {
	f.calls++
	return "", errors.New("bucket unavailable")
}

func TestSweepRetriesArchiveFailures(t *testing.T) {
	store := NewMemoryStore()
	builder := newTestBuilder(store)
	committed := buildChain(t, store, "acme", 2)
	ctx := context.Background()

	arch := &failingArchiver{}
	cutoff := committed[1].Context.Timestamp.AddDate(10, 0, 0)
	manager := newTestRetention(store, builder, RetentionManagerConfig{Archiver: arch}, cutoff)

	_, err := manager.Sweep(ctx, "sweeper")
	require.NoError(t, err)
	res, err := manager.Sweep(ctx, "sweeper")
	require.NoError(t, err)
	require.Zero(t, res.Archived)
	require.Equal(t, 2, arch.calls)

	// Entries stay ELIGIBLE so the next sweep retries the archive.
	for _, e := range committed {
		got, err := store.GetEntry(ctx, e.EntryID)
		require.NoError(t, err)
		require.Equal(t, RetentionEligible, got.Retention.State)
	}
}
