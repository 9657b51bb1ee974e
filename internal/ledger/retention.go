package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lexcomply/ledger/internal/ledger/metrics"
)

// RetentionManagerConfig configures the retention sweep.
type RetentionManagerConfig struct {
	// BatchSize bounds how many entries one sweep pass touches. Defaults to 500.
	BatchSize int

	// Archiver, when set, copies entries to cold storage on the
	// ELIGIBLE -> ARCHIVED transition. The original stays logically present
	// for verification until purge.
	Archiver Archiver

	Metrics *metrics.Metrics
}

// RetentionManager drives the per-entry lifecycle
// ACTIVE -> ELIGIBLE -> ARCHIVED -> PURGED, with legal hold as an orthogonal
// flag that blocks every transition past ELIGIBLE while active. Each sweep
// pass advances an entry by at most one stage, so deletion always trails
// expiry by a full sweep cycle.
type RetentionManager struct {
	store    Store
	chain    *ChainBuilder
	archiver Archiver
	metrics  *metrics.Metrics
	batch    int
	now      func() time.Time
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	MarkedEligible int       `json:"markedEligible"`
	Archived       int       `json:"archived"`
	Purged         int       `json:"purged"`
	Cutoff         time.Time `json:"cutoff"`
}

// NewRetentionManager constructs a RetentionManager. The chain builder is
// used to commit purge and hold-change records before the corresponding
// storage effect, preserving an unbroken trail of the deletion itself.
func NewRetentionManager(store Store, chain *ChainBuilder, cfg RetentionManagerConfig) *RetentionManager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &RetentionManager{
		store:    store,
		chain:    chain,
		archiver: cfg.Archiver,
		metrics:  cfg.Metrics,
		batch:    cfg.BatchSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sweep advances expired, unheld entries through the lifecycle. Held entries
// are never returned by the eligibility query, so a hold placed at any point
// freezes the entry where it stands. The sweep is idempotent: re-running
// after a crash repeats no destructive work.
func (m *RetentionManager) Sweep(ctx context.Context, operator string) (*SweepResult, error) {
	cutoff := m.now()
	res := &SweepResult{Cutoff: cutoff}

	expired, err := m.store.ListPurgeEligible(ctx, cutoff, m.batch)
	if err != nil {
		return nil, fmt.Errorf("list purge-eligible: %w", err)
	}

	var toEligible, toArchive, toPurge []*AuditEntry
	for _, e := range expired {
		switch e.Retention.State {
		case RetentionActive:
			toEligible = append(toEligible, e)
		case RetentionEligible:
			toArchive = append(toArchive, e)
		case RetentionArchived:
			toPurge = append(toPurge, e)
		}
	}

	if len(toEligible) > 0 {
		if err := m.store.UpdateRetentionState(ctx, entryIDs(toEligible), RetentionEligible); err != nil {
			return nil, fmt.Errorf("mark eligible: %w", err)
		}
		res.MarkedEligible = len(toEligible)
	}

	for _, e := range toArchive {
		if m.archiver != nil {
			if _, err := m.archiver.ArchiveEntry(ctx, e); err != nil {
				// Leave the entry ELIGIBLE; the next sweep retries.
				log.Printf("[ledger.retention] archive %s: %v", e.EntryID, err)
				continue
			}
		}
		if err := m.store.UpdateRetentionState(ctx, []string{e.EntryID}, RetentionArchived); err != nil {
			return nil, fmt.Errorf("mark archived: %w", err)
		}
		res.Archived++
	}

	if len(toPurge) > 0 {
		n, err := m.Purge(ctx, toPurge, operator, cutoff)
		if err != nil {
			return nil, err
		}
		res.Purged = n
	}

	return res, nil
}

// Purge removes the given entries irreversibly. The purge is recorded as its
// own audit event per tenant before any row is deleted, so the trail of the
// deletion itself stays unbroken. Any entry under an active legal hold
// rejects the whole call with ErrLegalHold and nothing is deleted.
func (m *RetentionManager) Purge(ctx context.Context, entries []*AuditEntry, operator string, cutoff time.Time) (int, error) {
	byTenant := map[string][]*AuditEntry{}
	for _, e := range entries {
		// Re-check holds at purge time: eligibility was computed earlier and
		// a hold may have landed since.
		current, err := m.store.GetEntry(ctx, e.EntryID)
		if errors.Is(err, ErrNotFound) {
			continue // already purged by a concurrent sweep
		}
		if err != nil {
			return 0, err
		}
		if current.Retention.HeldLegally() {
			return 0, fmt.Errorf("%w: entry %s is under legal hold %s", ErrLegalHold, e.EntryID, current.Retention.Hold.ID)
		}
		byTenant[e.TenantID] = append(byTenant[e.TenantID], e)
	}

	purged := 0
	for tenant, batch := range byTenant {
		ids := entryIDs(batch)
		record := &AuditEntry{
			TenantID:    tenant,
			EventType:   EventRetentionPurge,
			Severity:    SeverityInfo,
			Description: fmt.Sprintf("retention purge of %d entries with expiry before %s", len(ids), cutoff.Format(time.RFC3339)),
			Actor:       Party{Kind: PartyService, ID: operator, Role: "retention-sweep"},
			Target:      Party{Kind: PartySystem, ID: "audit-ledger"},
			Context:     EventContext{Service: "ledgerd", Component: "retention", Timestamp: m.now()},
		}
		if _, err := m.chain.Append(ctx, record); err != nil {
			return purged, fmt.Errorf("commit purge record for tenant %s: %w", tenant, err)
		}
		if err := m.store.UpdateRetentionState(ctx, ids, RetentionPurged); err != nil {
			return purged, fmt.Errorf("mark purged: %w", err)
		}
		if err := m.store.DeleteEntries(ctx, ids); err != nil {
			return purged, fmt.Errorf("delete purged entries: %w", err)
		}
		purged += len(ids)
	}

	m.metrics.ObservePurged(purged)
	return purged, nil
}

// PlaceLegalHold puts an entry under legal hold with recorded justification,
// operator and case/court reference. The hold change is itself committed as
// an audit event.
func (m *RetentionManager) PlaceLegalHold(ctx context.Context, entryID, reason, operator, caseRef string) (*LegalHold, error) {
	if reason == "" || operator == "" || caseRef == "" {
		return nil, fmt.Errorf("%w: legal hold requires reason, operator and case reference", ErrValidation)
	}
	e, err := m.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.Retention.HeldLegally() {
		return e.Retention.Hold, nil // already held; placement is idempotent
	}

	hold := &LegalHold{
		ID:       NewUUID(),
		Active:   true,
		Reason:   reason,
		Operator: operator,
		CaseRef:  caseRef,
		PlacedAt: m.now(),
	}
	if err := m.store.SetHold(ctx, entryID, hold); err != nil {
		return nil, fmt.Errorf("set hold: %w", err)
	}
	m.metrics.HoldPlaced()

	if err := m.recordHoldChange(ctx, e, operator, fmt.Sprintf("legal hold %s placed (case %s): %s", hold.ID, caseRef, reason)); err != nil {
		return hold, err
	}
	return hold, nil
}

// ReleaseLegalHold lifts an entry's hold with recorded justification.
func (m *RetentionManager) ReleaseLegalHold(ctx context.Context, entryID, operator, justification string) error {
	if operator == "" || justification == "" {
		return fmt.Errorf("%w: hold release requires operator and justification", ErrValidation)
	}
	e, err := m.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if !e.Retention.HeldLegally() {
		return fmt.Errorf("%w: entry %s has no active hold", ErrNotFound, entryID)
	}

	hold := *e.Retention.Hold
	released := m.now()
	hold.Active = false
	hold.ReleasedAt = &released
	hold.ReleasedBy = operator
	if err := m.store.SetHold(ctx, entryID, &hold); err != nil {
		return fmt.Errorf("set hold: %w", err)
	}
	m.metrics.HoldReleased()

	return m.recordHoldChange(ctx, e, operator, fmt.Sprintf("legal hold %s released: %s", hold.ID, justification))
}

func (m *RetentionManager) recordHoldChange(ctx context.Context, subject *AuditEntry, operator, description string) error {
	record := &AuditEntry{
		TenantID:    subject.TenantID,
		EventType:   EventLegalHoldChange,
		Severity:    SeverityInfo,
		Description: description,
		Actor:       Party{Kind: PartyUser, ID: operator, Role: "legal-hold-operator"},
		Target:      Party{Kind: PartyRecord, ID: subject.EntryID},
		Context:     EventContext{Service: "ledgerd", Component: "retention", Timestamp: m.now()},
	}
	if _, err := m.chain.Append(ctx, record); err != nil {
		return fmt.Errorf("commit hold-change record: %w", err)
	}
	return nil
}

func entryIDs(entries []*AuditEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EntryID
	}
	return ids
}
