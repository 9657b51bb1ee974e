package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReportAggregatesByTypeSeverityFramework(t *testing.T) {
	store := NewMemoryStore()
	builder := newTestBuilder(store)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := builder.Append(ctx, sampleCandidate("acme", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	breach := sampleCandidate("acme", base.Add(time.Hour))
	breach.EventType = EventDataBreach
	breach.Severity = SeverityCritical
	breach.Target = Party{Kind: PartyClient, ID: "c-9"}
	_, err := builder.Append(ctx, breach)
	require.NoError(t, err)

	detector := NewDetector(store, DetectorConfig{})
	reporter := NewReporter(store, detector)

	rep, err := reporter.Report(ctx, "acme", ChainRange{})
	require.NoError(t, err)

	require.Equal(t, 4, rep.TotalEntries)
	require.Equal(t, 3, rep.ByType[EventAuthenticationSuccess])
	require.Equal(t, 1, rep.ByType[EventDataBreach])
	require.Equal(t, 3, rep.BySeverity[SeverityInfo])
	require.Equal(t, 1, rep.BySeverity[SeverityCritical])

	// Auth events fall under PCI DSS and ISO 27001, the breach under GDPR,
	// CCPA and HIPAA.
	require.Equal(t, 3, rep.ByFramework[FrameworkPCIDSS])
	require.Equal(t, 3, rep.ByFramework[FrameworkISO27001])
	require.Equal(t, 1, rep.ByFramework[FrameworkGDPR])
	require.Equal(t, 1, rep.ByFramework[FrameworkHIPAA])

	require.True(t, rep.Verification.Intact)
	for fw, sum := range rep.Frameworks {
		require.Equal(t, 1.0, sum.ComplianceRate, "framework %s", fw)
	}
}

func TestReportWindowedPeriod(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 4)
	ctx := context.Background()

	detector := NewDetector(store, DetectorConfig{})
	reporter := NewReporter(store, detector)

	period := ChainRange{From: committed[1].Context.Timestamp, To: committed[3].Context.Timestamp}
	rep, err := reporter.Report(ctx, "acme", period)
	require.NoError(t, err)
	require.Equal(t, 2, rep.TotalEntries)
	require.Equal(t, period.From, rep.PeriodStart)
	require.Equal(t, period.To, rep.PeriodEnd)
}

func TestReportTamperedEntriesLowerComplianceRate(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 4)
	ctx := context.Background()

	store.mu.Lock()
	store.entries[committed[3].EntryID].Description = "rewritten"
	store.mu.Unlock()

	detector := NewDetector(store, DetectorConfig{})
	reporter := NewReporter(store, detector)

	rep, err := reporter.Report(ctx, "acme", ChainRange{})
	require.NoError(t, err)
	require.False(t, rep.Verification.Intact)

	// Three of four PCI DSS entries are clean; the tampered tail entry does
	// not satisfy any obligation.
	sum := rep.Frameworks[FrameworkPCIDSS]
	require.Equal(t, 4, sum.Entries)
	require.Equal(t, 3, sum.Satisfied)
	require.InDelta(t, 0.75, sum.ComplianceRate, 1e-9)
}

func TestReportIncludesAnchors(t *testing.T) {
	store := NewMemoryStore()
	committed := buildChain(t, store, "acme", 3)
	ctx := context.Background()

	anchorer := NewAnchorer(store, AnchorerConfig{Window: time.Hour})
	anchorer.now = func() time.Time { return committed[2].Context.Timestamp.Add(3 * time.Hour) }
	start := committed[0].Context.Timestamp.Truncate(time.Hour)
	_, err := anchorer.CloseBatch(ctx, "acme", ChainRange{From: start, To: start.Add(time.Hour)})
	require.NoError(t, err)

	detector := NewDetector(store, DetectorConfig{})
	reporter := NewReporter(store, detector)
	rep, err := reporter.Report(ctx, "acme", ChainRange{})
	require.NoError(t, err)
	require.Len(t, rep.Anchors, 1)
	require.Equal(t, 3, rep.Anchors[0].EntryCount)
}

func TestReportEmptyPeriod(t *testing.T) {
	store := NewMemoryStore()
	detector := NewDetector(store, DetectorConfig{})
	reporter := NewReporter(store, detector)

	rep, err := reporter.Report(context.Background(), "acme", ChainRange{})
	require.NoError(t, err)
	require.Zero(t, rep.TotalEntries)
	require.True(t, rep.Verification.Intact)
	require.Empty(t, rep.Anchors)
}
