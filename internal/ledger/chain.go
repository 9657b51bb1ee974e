package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/lexcomply/ledger/internal/ledger/metrics"
	"github.com/lexcomply/ledger/internal/signer"
)

// defaultAppendRetries bounds the optimistic-concurrency retry loop before an
// append surfaces ErrChainContention to the caller.
const defaultAppendRetries = 5

// ChainBuilderConfig configures optional chain builder collaborators.
type ChainBuilderConfig struct {
	// MaxRetries bounds head-conflict retries. Defaults to 5 if <= 0.
	MaxRetries int

	// Signer, when set, signs each committed entry's digest.
	Signer signer.Signer

	// Metrics, when set, records append outcomes.
	Metrics *metrics.Metrics
}

// ChainBuilder runs the commit pipeline: validate -> classify -> hash-chain
// -> persist. Each stage is explicit; nothing is derived inside the store.
//
// Appends to the same tenant are serialized by optimistic concurrency on the
// tenant head (read latest hash, write with precondition, retry on conflict),
// so unrelated tenants never contend.
type ChainBuilder struct {
	store      Store
	classifier *Classifier
	signer     signer.Signer
	metrics    *metrics.Metrics
	maxRetries int
	now        func() time.Time
}

// NewChainBuilder constructs a ChainBuilder.
func NewChainBuilder(store Store, classifier *Classifier, cfg ChainBuilderConfig) *ChainBuilder {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultAppendRetries
	}
	return &ChainBuilder{
		store:      store,
		classifier: classifier,
		signer:     cfg.Signer,
		metrics:    cfg.Metrics,
		maxRetries: cfg.MaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Append validates, classifies and commits a candidate entry, extending the
// tenant's chain by exactly one. On success the returned entry carries its
// assigned id, sequence, previousHash, currentHash and signature.
//
// Chain order is (context.timestamp, commit sequence) and must match the hash
// linkage, so a candidate timestamp older than the current head's is clamped
// to the head timestamp before hashing. Equal timestamps are fine: the
// sequence breaks the tie in commit order.
//
// Error kinds: ErrValidation (nothing committed), ErrImmutableLog (an entry
// with this id is already committed; the original is untouched) and
// ErrChainContention (retry budget exhausted; the whole submission is safe to
// retry).
func (b *ChainBuilder) Append(ctx context.Context, candidate *AuditEntry) (*AuditEntry, error) {
	e := cloneEntry(candidate)
	if e.EntryID == "" {
		e.EntryID = NewUUID()
	}
	if e.Context.Timestamp.IsZero() {
		e.Context.Timestamp = b.now()
	}
	e.Context.Timestamp = e.Context.Timestamp.UTC()

	if err := e.Validate(); err != nil {
		return nil, err
	}

	// Classification must complete before hashing: its output is part of the
	// hashed payload.
	e.Compliance = b.classifier.Classify(e)

	floor := e.Compliance.RetentionFloorDays()
	e.Retention = Retention{
		Policy: fmt.Sprintf("retain-%dd", floor),
		Expiry: e.Context.Timestamp.AddDate(0, 0, floor),
		State:  RetentionActive,
	}
	e.Forensics = Forensics{}
	e.MerkleRoot = ""

	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		head, err := b.store.Head(ctx, e.TenantID)
		if err != nil {
			return nil, fmt.Errorf("read tenant head: %w", err)
		}

		// A backdated timestamp would put this entry before its predecessor
		// in chain order while the linkage says otherwise.
		if e.Context.Timestamp.Before(head.Timestamp) {
			e.Context.Timestamp = head.Timestamp
			e.Retention.Expiry = e.Context.Timestamp.AddDate(0, 0, floor)
		}

		e.PreviousHash = head.Hash
		digest, err := EntryDigest(e, head.Hash)
		if err != nil {
			return nil, err
		}
		e.CurrentHash = digest

		if b.signer != nil {
			sig, signerID, err := b.signer.Sign([]byte(digest))
			if err != nil {
				return nil, fmt.Errorf("sign digest: %w", err)
			}
			e.Signature = base64.StdEncoding.EncodeToString(sig)
			e.SignerID = signerID
		}

		err = b.store.AppendEntry(ctx, e, head.Hash)
		if err == nil {
			b.metrics.ObserveAppend(string(e.EventType))
			return e, nil
		}
		if errors.Is(err, ErrHeadConflict) {
			// Another append won the race; re-read the head and try again.
			b.metrics.ObserveAppendConflict()
			continue
		}
		return nil, err
	}

	b.metrics.ObserveContention()
	return nil, fmt.Errorf("%w: tenant %s head moved %d times during append", ErrChainContention, e.TenantID, b.maxRetries)
}
