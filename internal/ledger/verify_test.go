package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lexcomply/ledger/internal/signer"
)

func buildChain(t *testing.T, store *MemoryStore, tenant string, n int) []*AuditEntry {
	t.Helper()
	builder := newTestBuilder(store)
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	out := make([]*AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := builder.Append(context.Background(), sampleCandidate(tenant, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestVerifyChainIntact(t *testing.T) {
	store := NewMemoryStore()
	buildChain(t, store, "acme", 5)

	detector := NewDetector(store, DetectorConfig{})
	res, err := detector.VerifyChain(context.Background(), "acme", ChainRange{})
	require.NoError(t, err)
	require.True(t, res.Intact)
	require.Empty(t, res.Breaks)
	require.Empty(t, res.Affected)
	require.Equal(t, 5, res.EntryCount)
}

func TestVerifyChainDetectsInPlaceModification(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 5)

	// Rewrite the third entry's description behind the store's back. Its
	// stored currentHash no longer matches a recomputed digest, and the
	// fourth entry's previousHash no longer matches its predecessor's
	// recomputed digest.
	store.mu.Lock()
	store.entries[committed[2].EntryID].Description = "rewritten"
	store.mu.Unlock()

	detector := NewDetector(store, DetectorConfig{})
	res, err := detector.VerifyChain(context.Background(), "acme", ChainRange{})
	require.NoError(t, err)
	require.False(t, res.Intact)
	require.Len(t, res.Breaks, 2)
	require.Equal(t, 2, res.Breaks[0].Index)
	require.Equal(t, DetectHashMismatch, res.Breaks[0].Reason)
	require.Equal(t, 3, res.Breaks[1].Index)
	require.Equal(t, DetectLinkMismatch, res.Breaks[1].Reason)

	// Everything from the first break onward is implicated.
	require.Equal(t, []string{committed[2].EntryID, committed[3].EntryID, committed[4].EntryID}, res.Affected)

	// Directly implicated entries carry tamper evidence with custody trail.
	flagged, err := store.GetEntry(context.Background(), committed[2].EntryID)
	require.NoError(t, err)
	require.True(t, flagged.Forensics.TamperEvidence.Detected)
	require.Equal(t, DetectHashMismatch, flagged.Forensics.TamperEvidence.Method)
	require.NotEmpty(t, flagged.Forensics.ChainOfCustody)

	downstream, err := store.GetEntry(context.Background(), committed[4].EntryID)
	require.NoError(t, err)
	require.Equal(t, DetectDownstreamOfBreak, downstream.Forensics.TamperEvidence.Method)
}

func TestVerifyChainDetectsHashOverwrite(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 5)

	// Overwriting only the stored hash leaves the successor's linkage valid
	// against the recomputed digest, so exactly one break surfaces.
	store.mu.Lock()
	store.entries[committed[2].EntryID].CurrentHash = HashHex([]byte("forged"))
	store.mu.Unlock()

	detector := NewDetector(store, DetectorConfig{})
	res, err := detector.VerifyChain(context.Background(), "acme", ChainRange{})
	require.NoError(t, err)
	require.False(t, res.Intact)
	require.Len(t, res.Breaks, 1)
	require.Equal(t, 2, res.Breaks[0].Index)
	require.Equal(t, DetectHashMismatch, res.Breaks[0].Reason)
	require.Len(t, res.Affected, 3)
}

func TestVerifyChainDetectsDeletedGenesis(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 4)

	store.mu.Lock()
	delete(store.byHash, committed[0].CurrentHash)
	delete(store.entries, committed[0].EntryID)
	store.mu.Unlock()

	detector := NewDetector(store, DetectorConfig{})
	res, err := detector.VerifyChain(context.Background(), "acme", ChainRange{})
	require.NoError(t, err)
	require.False(t, res.Intact)
	require.Equal(t, 3, res.EntryCount)
	require.Equal(t, DetectMissingPredecessor, res.Breaks[0].Reason)
	require.Equal(t, 0, res.Breaks[0].Index)
	// A missing link invalidates everything after it.
	require.Len(t, res.Affected, 3)
}

func TestVerifyChainWindowedRangeChecksPredecessorByHash(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 4)

	detector := NewDetector(store, DetectorConfig{})
	// Window starting at the second entry: its predecessor exists outside
	// the window, so the range verifies intact.
	from := committed[1].Context.Timestamp
	res, err := detector.VerifyChain(context.Background(), "acme", ChainRange{From: from})
	require.NoError(t, err)
	require.True(t, res.Intact)
	require.Equal(t, 3, res.EntryCount)
}

func TestVerifyChainSignatures(t *testing.T) {
	store := NewMemoryStore()
	local := signer.NewLocalSigner("test-signer")
	registry := signer.NewRegistry()
	registry.Add("test-signer", local.PublicKey())

	builder := NewChainBuilder(store, NewClassifier(), ChainBuilderConfig{MaxRetries: 5, Signer: local})
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	var committed []*AuditEntry
	for i := 0; i < 3; i++ {
		e, err := builder.Append(context.Background(), sampleCandidate("acme", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		committed = append(committed, e)
	}

	detector := NewDetector(store, DetectorConfig{Registry: registry})
	res, err := detector.VerifyChain(context.Background(), "acme", ChainRange{})
	require.NoError(t, err)
	require.True(t, res.Intact)

	store.mu.Lock()
	store.entries[committed[1].EntryID].Signature = "bm90LWEtc2lnbmF0dXJl"
	store.mu.Unlock()

	res, err = detector.VerifyChain(context.Background(), "acme", ChainRange{})
	require.NoError(t, err)
	require.False(t, res.Intact)
	require.Equal(t, DetectSignatureInvalid, res.Breaks[0].Reason)
}

func TestVerifyEntry(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 2)

	detector := NewDetector(store, DetectorConfig{})
	res, err := detector.VerifyEntry(context.Background(), committed[1].EntryID)
	require.NoError(t, err)
	require.True(t, res.Intact)

	store.mu.Lock()
	store.entries[committed[1].EntryID].Severity = SeverityCritical
	store.mu.Unlock()

	res, err = detector.VerifyEntry(context.Background(), committed[1].EntryID)
	require.NoError(t, err)
	require.False(t, res.Intact)
	require.Equal(t, DetectHashMismatch, res.Breaks[0].Reason)

	_, err = detector.VerifyEntry(context.Background(), "missing-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyMerkleRoot(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 4)

	digests := make([]string, len(committed))
	for i, e := range committed {
		digests[i] = e.CurrentHash
	}
	root := MerkleRoot(digests)

	detector := NewDetector(store, DetectorConfig{})
	ok, err := detector.VerifyMerkleRoot(root, committed)
	require.NoError(t, err)
	require.True(t, ok)

	// A modified member entry recomputes to a different digest, so the root
	// no longer attests the set.
	altered := cloneEntry(committed[1])
	forged := []*AuditEntry{committed[0], altered, committed[2], committed[3]}
	altered.Description = "forged"
	ok, err = detector.VerifyMerkleRoot(root, forged)
	require.NoError(t, err)
	require.False(t, ok)
}
