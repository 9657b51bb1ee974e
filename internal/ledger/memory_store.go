package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development.
// It honors the same compare-and-swap append semantics as the Postgres store
// so the chain builder's retry path is exercised identically.
type MemoryStore struct {
	mu           sync.RWMutex
	entries      map[string]*AuditEntry // by entryID
	byHash       map[string]string      // currentHash -> entryID
	heads        map[string]Head        // by tenantID
	anchors      map[string][]*MerkleAnchor
	exports      map[string]string    // entryID -> export status
	exportClaims map[string]time.Time // entryID -> in_progress claim time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:      map[string]*AuditEntry{},
		byHash:       map[string]string{},
		heads:        map[string]Head{},
		anchors:      map[string][]*MerkleAnchor{},
		exports:      map[string]string{},
		exportClaims: map[string]time.Time{},
	}
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Head implements Store.
func (m *MemoryStore) Head(ctx context.Context, tenantID string) (Head, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.heads[tenantID]
	if !ok {
		return Head{Hash: SentinelHash}, nil
	}
	return h, nil
}

// AppendEntry implements Store with compare-and-swap head semantics.
func (m *MemoryStore) AppendEntry(ctx context.Context, e *AuditEntry, expectHead string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[e.EntryID]; exists {
		return ErrImmutableLog
	}
	head, ok := m.heads[e.TenantID]
	if !ok {
		head = Head{Hash: SentinelHash}
	}
	if head.Hash != expectHead {
		return ErrHeadConflict
	}

	cp := cloneEntry(e)
	cp.Seq = head.Seq + 1
	cp.Immutable = true
	m.entries[cp.EntryID] = cp
	m.byHash[cp.CurrentHash] = cp.EntryID
	m.heads[cp.TenantID] = Head{Hash: cp.CurrentHash, Seq: cp.Seq, Timestamp: cp.Context.Timestamp}
	m.exports[cp.EntryID] = exportPending

	e.Seq = cp.Seq
	e.Immutable = true
	return nil
}

// GetEntry implements Store.
func (m *MemoryStore) GetEntry(ctx context.Context, entryID string) (*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entryID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(e), nil
}

// GetEntryByHash implements Store.
func (m *MemoryStore) GetEntryByHash(ctx context.Context, hash string) (*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(m.entries[id]), nil
}

// ListChain implements Store.
func (m *MemoryStore) ListChain(ctx context.Context, tenantID string, r ChainRange) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditEntry
	for _, e := range m.entries {
		if e.TenantID != tenantID || e.Retention.State == RetentionPurged {
			continue
		}
		if !r.Contains(e.Context.Timestamp) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sortChain(out)
	return out, nil
}

// Tenants implements Store.
func (m *MemoryStore) Tenants(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.heads))
	for t := range m.heads {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// SaveAnchor implements Store.
func (m *MemoryStore) SaveAnchor(ctx context.Context, a *MerkleAnchor, entryIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	anchors := m.anchors[a.TenantID]
	replaced := false
	for i, prev := range anchors {
		if prev.WindowStart.Equal(a.WindowStart) && prev.WindowEnd.Equal(a.WindowEnd) {
			anchors[i] = &cp
			replaced = true
			break
		}
	}
	if !replaced {
		anchors = append(anchors, &cp)
		sort.Slice(anchors, func(i, j int) bool {
			return anchors[i].WindowStart.Before(anchors[j].WindowStart)
		})
	}
	m.anchors[a.TenantID] = anchors

	for _, id := range entryIDs {
		if e, ok := m.entries[id]; ok {
			e.MerkleRoot = a.Root
		}
	}
	return nil
}

// LastAnchor implements Store.
func (m *MemoryStore) LastAnchor(ctx context.Context, tenantID string) (*MerkleAnchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	anchors := m.anchors[tenantID]
	if len(anchors) == 0 {
		return nil, ErrNotFound
	}
	cp := *anchors[len(anchors)-1]
	return &cp, nil
}

// ListAnchors implements Store.
func (m *MemoryStore) ListAnchors(ctx context.Context, tenantID string, r ChainRange) ([]*MerkleAnchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*MerkleAnchor
	for _, a := range m.anchors[tenantID] {
		if !r.From.IsZero() && !a.WindowEnd.After(r.From) {
			continue
		}
		if !r.To.IsZero() && !a.WindowStart.Before(r.To) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// MarkTampered implements Store.
func (m *MemoryStore) MarkTampered(ctx context.Context, entryID string, ev TamperEvidence, custody CustodyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		return ErrNotFound
	}
	e.Forensics.TamperEvidence = ev
	e.Forensics.ChainOfCustody = append(e.Forensics.ChainOfCustody, custody)
	return nil
}

// UpdateRetentionState implements Store.
func (m *MemoryStore) UpdateRetentionState(ctx context.Context, entryIDs []string, state RetentionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range entryIDs {
		if e, ok := m.entries[id]; ok {
			e.Retention.State = state
		}
	}
	return nil
}

// ListPurgeEligible implements Store.
func (m *MemoryStore) ListPurgeEligible(ctx context.Context, asOf time.Time, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditEntry
	for _, e := range m.entries {
		if e.Retention.State == RetentionPurged {
			continue
		}
		if e.Retention.HeldLegally() {
			continue
		}
		if e.Retention.Expiry.After(asOf) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sortChain(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetHold implements Store.
func (m *MemoryStore) SetHold(ctx context.Context, entryID string, hold *LegalHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		return ErrNotFound
	}
	if hold != nil {
		cp := *hold
		e.Retention.Hold = &cp
	} else {
		e.Retention.Hold = nil
	}
	return nil
}

// DeleteEntries implements Store.
func (m *MemoryStore) DeleteEntries(ctx context.Context, entryIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range entryIDs {
		if e, ok := m.entries[id]; ok {
			delete(m.byHash, e.CurrentHash)
			delete(m.entries, id)
			delete(m.exports, id)
			delete(m.exportClaims, id)
		}
	}
	return nil
}

// FetchPendingExports claims up to limit committed entries awaiting export,
// oldest first, moving them to in_progress. Claims older than
// exportReclaimAfter are treated as abandoned and handed out again.
func (m *MemoryStore) FetchPendingExports(ctx context.Context, limit int) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stale := time.Now().Add(-exportReclaimAfter)
	var out []*AuditEntry
	for id, status := range m.exports {
		switch status {
		case exportPending:
		case exportInProgress:
			if m.exportClaims[id].After(stale) {
				continue
			}
		default:
			continue
		}
		if e, ok := m.entries[id]; ok {
			out = append(out, cloneEntry(e))
		}
	}
	sortChain(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	now := time.Now()
	for _, e := range out {
		m.exports[e.EntryID] = exportInProgress
		m.exportClaims[e.EntryID] = now
	}
	return out, nil
}

// MarkExportResult records the outcome of one export attempt.
func (m *MemoryStore) MarkExportResult(ctx context.Context, entryID, archiveKey string, ok bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[entryID]; !exists {
		return ErrNotFound
	}
	if ok {
		m.exports[entryID] = exportDone
	} else {
		m.exports[entryID] = exportPending // retried on the next poll
	}
	delete(m.exportClaims, entryID)
	return nil
}

func sortChain(entries []*AuditEntry) {
	sort.Slice(entries, func(i, j int) bool {
		ti, tj := entries[i].Context.Timestamp, entries[j].Context.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return entries[i].Seq < entries[j].Seq
	})
}

func cloneEntry(e *AuditEntry) *AuditEntry {
	cp := *e
	if e.Retention.Hold != nil {
		h := *e.Retention.Hold
		cp.Retention.Hold = &h
	}
	if len(e.Forensics.ChainOfCustody) > 0 {
		cp.Forensics.ChainOfCustody = append([]CustodyEvent(nil), e.Forensics.ChainOfCustody...)
	}
	if len(e.Compliance.Obligations) > 0 {
		cp.Compliance.Obligations = append([]Obligation(nil), e.Compliance.Obligations...)
	}
	return &cp
}
