package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexcomply/ledger/internal/ledger/metrics"
	"github.com/lexcomply/ledger/internal/signer"
)

// Break reports one verification failure at a position in the chain.
type Break struct {
	Index   int             `json:"index"` // position in the verified range, 0-based
	EntryID string          `json:"entryId"`
	Reason  DetectionMethod `json:"reason"`
	Detail  string          `json:"detail,omitempty"`
}

// VerificationResult is the outcome of a chain or entry verification pass.
// Tamper detection is advisory: it surfaces as data, never as an error, and
// never blocks new appends.
type VerificationResult struct {
	TenantID   string    `json:"tenantId"`
	Intact     bool      `json:"intact"`
	Breaks     []Break   `json:"breaks"`
	Affected   []string  `json:"affected,omitempty"` // entry ids invalidated by an upstream break
	EntryCount int       `json:"entryCount"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// DetectorConfig configures optional detector collaborators.
type DetectorConfig struct {
	// Registry, when set, additionally verifies each entry's Ed25519
	// signature against the registered signer key.
	Registry *signer.Registry

	Metrics *metrics.Metrics
}

// Detector walks committed history re-deriving digests and linkage. It reads
// immutable data, so any number of verifications may run in parallel with
// appends and with each other.
type Detector struct {
	store    Store
	registry *signer.Registry
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewDetector constructs a Detector.
func NewDetector(store Store, cfg DetectorConfig) *Detector {
	return &Detector{
		store:    store,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// VerifyChain walks a tenant's chain (full, or windowed by r) in chain order.
// For each entry it recomputes the digest from stored fields (detecting
// in-place modification) and checks the stored previousHash against the
// prior entry's recomputed digest (detecting reordering, deletion or
// insertion). Detection continues past the first break: a missing link
// invalidates everything after it, which is cataloged rather than silently
// re-synced.
//
// Every directly implicated entry gets forensics.tamperEvidence recorded via
// the store's one sanctioned post-commit write; entries downstream of the
// first break are flagged as affected.
func (d *Detector) VerifyChain(ctx context.Context, tenantID string, r ChainRange) (*VerificationResult, error) {
	entries, err := d.store.ListChain(ctx, tenantID, r)
	if err != nil {
		return nil, fmt.Errorf("list chain: %w", err)
	}

	res := &VerificationResult{
		TenantID:   tenantID,
		Intact:     true,
		Breaks:     []Break{},
		EntryCount: len(entries),
		CheckedAt:  d.now(),
	}

	var prevDigest string
	for i, e := range entries {
		recomputed, err := EntryDigest(e, e.PreviousHash)
		if err != nil {
			return nil, err
		}

		if recomputed != e.CurrentHash {
			d.addBreak(ctx, res, Break{
				Index:   i,
				EntryID: e.EntryID,
				Reason:  DetectHashMismatch,
				Detail:  fmt.Sprintf("stored %s, recomputed %s", e.CurrentHash, recomputed),
			})
		}

		if i == 0 {
			if err := d.checkRangeStart(ctx, res, e, r); err != nil {
				return nil, err
			}
		} else if e.PreviousHash != prevDigest {
			d.addBreak(ctx, res, Break{
				Index:   i,
				EntryID: e.EntryID,
				Reason:  DetectLinkMismatch,
				Detail:  fmt.Sprintf("previousHash %s does not match predecessor digest %s", e.PreviousHash, prevDigest),
			})
		}

		if d.registry != nil && e.SignerID != "" {
			if !d.registry.Verify(e.SignerID, []byte(e.CurrentHash), e.Signature) {
				d.addBreak(ctx, res, Break{
					Index:   i,
					EntryID: e.EntryID,
					Reason:  DetectSignatureInvalid,
					Detail:  fmt.Sprintf("signature by %s does not verify", e.SignerID),
				})
			}
		}

		prevDigest = recomputed
	}

	d.flagDownstream(ctx, res, entries)
	d.metrics.ObserveBreaks(len(res.Breaks))
	return res, nil
}

// checkRangeStart validates the linkage of the first entry in the verified
// range. For a full scan that means the genesis sentinel; for a windowed scan
// the predecessor is looked up by hash outside the window.
func (d *Detector) checkRangeStart(ctx context.Context, res *VerificationResult, e *AuditEntry, r ChainRange) error {
	if e.PreviousHash == SentinelHash {
		return nil
	}
	if r.From.IsZero() {
		// Full-chain scan whose first entry claims a predecessor: the
		// predecessor was deleted out-of-band.
		d.addBreak(ctx, res, Break{
			Index:   0,
			EntryID: e.EntryID,
			Reason:  DetectMissingPredecessor,
			Detail:  "missing predecessor",
		})
		return nil
	}
	_, err := d.store.GetEntryByHash(ctx, e.PreviousHash)
	if errors.Is(err, ErrNotFound) {
		d.addBreak(ctx, res, Break{
			Index:   0,
			EntryID: e.EntryID,
			Reason:  DetectMissingPredecessor,
			Detail:  "missing predecessor",
		})
		return nil
	}
	return err
}

// VerifyEntry spot-checks a single entry: digest, predecessor linkage and
// signature.
func (d *Detector) VerifyEntry(ctx context.Context, entryID string) (*VerificationResult, error) {
	e, err := d.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	res := &VerificationResult{
		TenantID:   e.TenantID,
		Intact:     true,
		Breaks:     []Break{},
		EntryCount: 1,
		CheckedAt:  d.now(),
	}

	recomputed, err := EntryDigest(e, e.PreviousHash)
	if err != nil {
		return nil, err
	}
	if recomputed != e.CurrentHash {
		d.addBreak(ctx, res, Break{
			EntryID: e.EntryID,
			Reason:  DetectHashMismatch,
			Detail:  fmt.Sprintf("stored %s, recomputed %s", e.CurrentHash, recomputed),
		})
	}
	if e.PreviousHash != SentinelHash {
		if _, err := d.store.GetEntryByHash(ctx, e.PreviousHash); errors.Is(err, ErrNotFound) {
			d.addBreak(ctx, res, Break{
				EntryID: e.EntryID,
				Reason:  DetectMissingPredecessor,
				Detail:  "missing predecessor",
			})
		} else if err != nil {
			return nil, err
		}
	}
	if d.registry != nil && e.SignerID != "" {
		if !d.registry.Verify(e.SignerID, []byte(e.CurrentHash), e.Signature) {
			d.addBreak(ctx, res, Break{
				EntryID: e.EntryID,
				Reason:  DetectSignatureInvalid,
				Detail:  fmt.Sprintf("signature by %s does not verify", e.SignerID),
			})
		}
	}

	d.metrics.ObserveBreaks(len(res.Breaks))
	return res, nil
}

// VerifyMerkleRoot confirms a previously issued root against a provided
// entry set, e.g. entries exported for an external audit. Digests are
// re-derived from each entry's semantic fields, so both membership and
// content are attested.
func (d *Detector) VerifyMerkleRoot(root string, entries []*AuditEntry) (bool, error) {
	digests := make([]string, len(entries))
	for i, e := range entries {
		digest, err := EntryDigest(e, e.PreviousHash)
		if err != nil {
			return false, err
		}
		digests[i] = digest
	}
	return MerkleRoot(digests) == root, nil
}

// addBreak catalogs a break and records tamper evidence on the implicated
// entry. Evidence recording is best-effort: verification output never fails
// because the annotation write did.
func (d *Detector) addBreak(ctx context.Context, res *VerificationResult, b Break) {
	res.Intact = false
	res.Breaks = append(res.Breaks, b)

	now := d.now()
	_ = d.store.MarkTampered(ctx, b.EntryID, TamperEvidence{
		Detected:         true,
		Method:           b.Reason,
		DetectedAt:       &now,
		CorrectiveAction: "flagged for forensic review",
	}, CustodyEvent{
		At:     now,
		Actor:  "ledger.detector",
		Action: "tamper-evidence recorded",
		Note:   b.Detail,
	})
}

// flagDownstream marks every entry after the first break as affected: its
// linkage transitively depends on the broken prefix.
func (d *Detector) flagDownstream(ctx context.Context, res *VerificationResult, entries []*AuditEntry) {
	if len(res.Breaks) == 0 {
		return
	}
	first := res.Breaks[0].Index
	broken := map[string]bool{}
	for _, b := range res.Breaks {
		broken[b.EntryID] = true
	}

	now := d.now()
	for i := first; i < len(entries); i++ {
		e := entries[i]
		res.Affected = append(res.Affected, e.EntryID)
		if broken[e.EntryID] {
			continue // already carries direct evidence
		}
		_ = d.store.MarkTampered(ctx, e.EntryID, TamperEvidence{
			Detected:   true,
			Method:     DetectDownstreamOfBreak,
			DetectedAt: &now,
		}, CustodyEvent{
			At:     now,
			Actor:  "ledger.detector",
			Action: "flagged downstream of chain break",
		})
	}
}
