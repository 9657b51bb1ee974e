package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PGStore persists the ledger in Postgres. Chain heads live in their own
// table so the append precondition is a single-row compare-and-swap; entries
// are self-contained rows keyed by entry_id, secondary-indexed by
// (tenant_id, ts) for chain scans, current_hash for point lookups and
// (retention_expiry, legal_hold_active) for sweep queries (see migrations).
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const entryColumns = `entry_id, tenant_id, seq, event_type, severity, description,
	actor, target, context, compliance, forensics,
	previous_hash, current_hash, signature, signer_id, merkle_root,
	immutable, retention_policy, retention_expiry, retention_state, legal_hold, ts`

// Head implements Store.
func (p *PGStore) Head(ctx context.Context, tenantID string) (Head, error) {
	var (
		h  Head
		ts time.Time
	)
	q := `SELECT head_hash, seq, last_ts FROM tenant_heads WHERE tenant_id = $1`
	err := p.db.QueryRowContext(ctx, q, tenantID).Scan(&h.Hash, &h.Seq, &ts)
	if err == sql.ErrNoRows {
		return Head{Hash: SentinelHash}, nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("query tenant head: %w", err)
	}
	h.Timestamp = ts.UTC()
	return h, nil
}

// AppendEntry implements Store. The head row update carries the optimistic
// precondition: zero rows affected means another append won the race.
func (p *PGStore) AppendEntry(ctx context.Context, e *AuditEntry, expectHead string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var seq uint64
	if expectHead == SentinelHash {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tenant_heads (tenant_id, head_hash, seq, last_ts) VALUES ($1, $2, 1, $3)
			 ON CONFLICT (tenant_id) DO NOTHING`,
			e.TenantID, e.CurrentHash, e.Context.Timestamp)
		if err != nil {
			return fmt.Errorf("insert tenant head: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("tenant head rows affected: %w", err)
		}
		if n == 0 {
			return ErrHeadConflict
		}
		seq = 1
	} else {
		err := tx.QueryRowContext(ctx,
			`UPDATE tenant_heads SET head_hash = $1, seq = seq + 1, last_ts = $2
			 WHERE tenant_id = $3 AND head_hash = $4
			 RETURNING seq`,
			e.CurrentHash, e.Context.Timestamp, e.TenantID, expectHead).Scan(&seq)
		if err == sql.ErrNoRows {
			return ErrHeadConflict
		}
		if err != nil {
			return fmt.Errorf("advance tenant head: %w", err)
		}
	}

	actorJSON, targetJSON, contextJSON, complianceJSON, forensicsJSON, holdJSON, err := marshalEntryJSON(e)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries
		  (entry_id, tenant_id, seq, event_type, severity, description,
		   actor, target, context, compliance, forensics,
		   previous_hash, current_hash, signature, signer_id, merkle_root,
		   immutable, retention_policy, retention_expiry, retention_state,
		   legal_hold, legal_hold_active, export_status, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`,
		e.EntryID, e.TenantID, seq, string(e.EventType), string(e.Severity), e.Description,
		actorJSON, targetJSON, contextJSON, complianceJSON, forensicsJSON,
		e.PreviousHash, e.CurrentHash, nullString(e.Signature), nullString(e.SignerID), nullString(e.MerkleRoot),
		true, e.Retention.Policy, e.Retention.Expiry, string(RetentionActive),
		holdJSON, false, exportPending, e.Context.Timestamp,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && pqErr.Constraint == "audit_entries_pkey" {
			return ErrImmutableLog
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	e.Seq = seq
	e.Immutable = true
	return nil
}

// GetEntry implements Store.
func (p *PGStore) GetEntry(ctx context.Context, entryID string) (*AuditEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM audit_entries WHERE entry_id = $1`
	return scanEntry(p.db.QueryRowContext(ctx, q, entryID))
}

// GetEntryByHash implements Store.
func (p *PGStore) GetEntryByHash(ctx context.Context, hash string) (*AuditEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM audit_entries WHERE current_hash = $1`
	return scanEntry(p.db.QueryRowContext(ctx, q, hash))
}

// ListChain implements Store.
func (p *PGStore) ListChain(ctx context.Context, tenantID string, r ChainRange) ([]*AuditEntry, error) {
	q := `SELECT ` + entryColumns + `
		FROM audit_entries
		WHERE tenant_id = $1 AND retention_state <> 'PURGED'
		  AND ($2::timestamptz IS NULL OR ts >= $2)
		  AND ($3::timestamptz IS NULL OR ts < $3)
		ORDER BY ts ASC, seq ASC`
	rows, err := p.db.QueryContext(ctx, q, tenantID, nullTime(r.From), nullTime(r.To))
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Tenants implements Store.
func (p *PGStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT tenant_id FROM tenant_heads ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveAnchor implements Store.
func (p *PGStore) SaveAnchor(ctx context.Context, a *MerkleAnchor, entryIDs []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin anchor tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO merkle_anchors (id, tenant_id, root, window_start, window_end, entry_count, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, window_start, window_end)
		DO UPDATE SET root = EXCLUDED.root, entry_count = EXCLUDED.entry_count, closed_at = EXCLUDED.closed_at
	`, a.ID, a.TenantID, a.Root, a.WindowStart, a.WindowEnd, a.EntryCount, a.ClosedAt)
	if err != nil {
		return fmt.Errorf("upsert anchor: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE audit_entries SET merkle_root = $1 WHERE entry_id = ANY($2)`,
		a.Root, pq.Array(entryIDs))
	if err != nil {
		return fmt.Errorf("stamp merkle root: %w", err)
	}

	return tx.Commit()
}

// LastAnchor implements Store.
func (p *PGStore) LastAnchor(ctx context.Context, tenantID string) (*MerkleAnchor, error) {
	q := `SELECT id, tenant_id, root, window_start, window_end, entry_count, closed_at
		FROM merkle_anchors WHERE tenant_id = $1
		ORDER BY window_end DESC LIMIT 1`
	a := &MerkleAnchor{}
	err := p.db.QueryRowContext(ctx, q, tenantID).Scan(
		&a.ID, &a.TenantID, &a.Root, &a.WindowStart, &a.WindowEnd, &a.EntryCount, &a.ClosedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query last anchor: %w", err)
	}
	return a, nil
}

// ListAnchors implements Store.
func (p *PGStore) ListAnchors(ctx context.Context, tenantID string, r ChainRange) ([]*MerkleAnchor, error) {
	q := `SELECT id, tenant_id, root, window_start, window_end, entry_count, closed_at
		FROM merkle_anchors
		WHERE tenant_id = $1
		  AND ($2::timestamptz IS NULL OR window_end > $2)
		  AND ($3::timestamptz IS NULL OR window_start < $3)
		ORDER BY window_start ASC`
	rows, err := p.db.QueryContext(ctx, q, tenantID, nullTime(r.From), nullTime(r.To))
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	defer rows.Close()

	var out []*MerkleAnchor
	for rows.Next() {
		a := &MerkleAnchor{}
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Root, &a.WindowStart, &a.WindowEnd, &a.EntryCount, &a.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkTampered implements Store: read-modify-write of the forensics document
// under row lock, leaving every semantic column untouched.
func (p *PGStore) MarkTampered(ctx context.Context, entryID string, ev TamperEvidence, custody CustodyEvent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin forensics tx: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT forensics FROM audit_entries WHERE entry_id = $1 FOR UPDATE`, entryID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock forensics: %w", err)
	}

	var f Forensics
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("unmarshal forensics: %w", err)
		}
	}
	f.TamperEvidence = ev
	f.ChainOfCustody = append(f.ChainOfCustody, custody)

	updated, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal forensics: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE audit_entries SET forensics = $1 WHERE entry_id = $2`, updated, entryID); err != nil {
		return fmt.Errorf("update forensics: %w", err)
	}
	return tx.Commit()
}

// UpdateRetentionState implements Store.
func (p *PGStore) UpdateRetentionState(ctx context.Context, entryIDs []string, state RetentionState) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE audit_entries SET retention_state = $1 WHERE entry_id = ANY($2)`,
		string(state), pq.Array(entryIDs))
	if err != nil {
		return fmt.Errorf("update retention state: %w", err)
	}
	return nil
}

// ListPurgeEligible implements Store. The hold predicate lives in the query,
// so a held entry can never appear in sweep output.
func (p *PGStore) ListPurgeEligible(ctx context.Context, asOf time.Time, limit int) ([]*AuditEntry, error) {
	q := `SELECT ` + entryColumns + `
		FROM audit_entries
		WHERE retention_expiry <= $1
		  AND legal_hold_active = FALSE
		  AND retention_state <> 'PURGED'
		ORDER BY ts ASC, seq ASC
		LIMIT $2`
	rows, err := p.db.QueryContext(ctx, q, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("query purge-eligible: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// SetHold implements Store.
func (p *PGStore) SetHold(ctx context.Context, entryID string, hold *LegalHold) error {
	holdJSON := []byte("null")
	active := false
	if hold != nil {
		b, err := json.Marshal(hold)
		if err != nil {
			return fmt.Errorf("marshal hold: %w", err)
		}
		holdJSON = b
		active = hold.Active
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE audit_entries SET legal_hold = $1, legal_hold_active = $2 WHERE entry_id = $3`,
		holdJSON, active, entryID)
	if err != nil {
		return fmt.Errorf("update hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEntries implements Store.
func (p *PGStore) DeleteEntries(ctx context.Context, entryIDs []string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE entry_id = ANY($1)`, pq.Array(entryIDs))
	if err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}

// FetchPendingExports implements ExportStore using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent streamers never claim the
// same entry. Claims left in_progress longer than exportReclaimAfter are
// treated as abandoned and reclaimed.
func (p *PGStore) FetchPendingExports(ctx context.Context, limit int) ([]*AuditEntry, error) {
	q := `UPDATE audit_entries
		SET export_status = 'in_progress', export_attempts = export_attempts + 1,
		    export_claimed_at = NOW()
		WHERE entry_id IN (
			SELECT entry_id FROM audit_entries
			WHERE export_status = 'pending'
			   OR (export_status = 'in_progress'
			       AND export_claimed_at < NOW() - make_interval(secs => $2))
			ORDER BY ts ASC, seq ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns
	rows, err := p.db.QueryContext(ctx, q, limit, exportReclaimAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim pending exports: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkExportResult implements ExportStore.
func (p *PGStore) MarkExportResult(ctx context.Context, entryID, archiveKey string, ok bool, errMsg string) error {
	var err error
	if ok {
		_, err = p.db.ExecContext(ctx,
			`UPDATE audit_entries
			 SET export_status = 'done', archive_key = $1, export_error = NULL
			 WHERE entry_id = $2`,
			nullString(archiveKey), entryID)
	} else {
		_, err = p.db.ExecContext(ctx,
			`UPDATE audit_entries
			 SET export_status = 'pending', export_error = $1
			 WHERE entry_id = $2`,
			nullString(errMsg), entryID)
	}
	if err != nil {
		return fmt.Errorf("mark export result: %w", err)
	}
	return nil
}

// --- row helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*AuditEntry, error) {
	var (
		e                           AuditEntry
		eventType, severity, state  string
		actorB, targetB, contextB   []byte
		complianceB, forensicsB     []byte
		holdB                       []byte
		signature, signerID, merkle sql.NullString
		ts                          time.Time
	)
	err := row.Scan(
		&e.EntryID, &e.TenantID, &e.Seq, &eventType, &severity, &e.Description,
		&actorB, &targetB, &contextB, &complianceB, &forensicsB,
		&e.PreviousHash, &e.CurrentHash, &signature, &signerID, &merkle,
		&e.Immutable, &e.Retention.Policy, &e.Retention.Expiry, &state, &holdB, &ts,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}

	e.EventType = EventType(eventType)
	e.Severity = Severity(severity)
	e.Retention.State = RetentionState(state)
	e.Signature = signature.String
	e.SignerID = signerID.String
	e.MerkleRoot = merkle.String

	if err := json.Unmarshal(actorB, &e.Actor); err != nil {
		return nil, fmt.Errorf("unmarshal actor: %w", err)
	}
	if err := json.Unmarshal(targetB, &e.Target); err != nil {
		return nil, fmt.Errorf("unmarshal target: %w", err)
	}
	if err := json.Unmarshal(contextB, &e.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal(complianceB, &e.Compliance); err != nil {
		return nil, fmt.Errorf("unmarshal compliance: %w", err)
	}
	if len(forensicsB) > 0 && string(forensicsB) != "null" {
		if err := json.Unmarshal(forensicsB, &e.Forensics); err != nil {
			return nil, fmt.Errorf("unmarshal forensics: %w", err)
		}
	}
	if len(holdB) > 0 && string(holdB) != "null" {
		if err := json.Unmarshal(holdB, &e.Retention.Hold); err != nil {
			return nil, fmt.Errorf("unmarshal hold: %w", err)
		}
	}
	// The ts column is an index mirror at microsecond resolution. The context
	// JSONB keeps the full-precision timestamp the digest was computed over,
	// so that copy is authoritative.
	e.Context.Timestamp = e.Context.Timestamp.UTC()
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*AuditEntry, error) {
	var out []*AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalEntryJSON(e *AuditEntry) (actor, target, evctx, compliance, forensics, hold []byte, err error) {
	if actor, err = json.Marshal(e.Actor); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal actor: %w", err)
	}
	if target, err = json.Marshal(e.Target); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal target: %w", err)
	}
	if evctx, err = json.Marshal(e.Context); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal context: %w", err)
	}
	if compliance, err = json.Marshal(e.Compliance); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal compliance: %w", err)
	}
	if forensics, err = json.Marshal(e.Forensics); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal forensics: %w", err)
	}
	hold = []byte("null")
	if e.Retention.Hold != nil {
		if hold, err = json.Marshal(e.Retention.Hold); err != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("marshal hold: %w", err)
		}
	}
	return actor, target, evctx, compliance, forensics, hold, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
