package ledger

import (
	"context"
	"fmt"
	"time"
)

// FrameworkSummary aggregates one framework's entries over a report period.
type FrameworkSummary struct {
	Entries        int     `json:"entries"`
	Satisfied      int     `json:"satisfied"`
	ComplianceRate float64 `json:"complianceRate"` // satisfied / entries
}

// Report is the structured output handed to auditors and regulators.
type Report struct {
	TenantID    string    `json:"tenantId"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	GeneratedAt time.Time `json:"generatedAt"`

	TotalEntries int               `json:"totalEntries"`
	ByType       map[EventType]int `json:"byType"`
	BySeverity   map[Severity]int  `json:"bySeverity"`
	ByFramework  map[Framework]int `json:"byFramework"`

	Verification *VerificationResult             `json:"verification"`
	Anchors      []*MerkleAnchor                 `json:"anchors"`
	Frameworks   map[Framework]*FrameworkSummary `json:"frameworks"`
}

// Reporter composes verification results, classifier output and entry
// context into audit reports. Strictly read-only over committed history
// (the detector it delegates to may annotate tamper evidence, which is the
// ledger's sanctioned exception).
type Reporter struct {
	store    Store
	detector *Detector
	now      func() time.Time
}

// NewReporter constructs a Reporter.
func NewReporter(store Store, detector *Detector) *Reporter {
	return &Reporter{
		store:    store,
		detector: detector,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Report aggregates a tenant's entries over the period: counts by type,
// severity and framework, chain verification results, anchors issued, and a
// per-framework compliance rate (entries satisfying that framework's
// obligations over total entries under it).
func (r *Reporter) Report(ctx context.Context, tenantID string, period ChainRange) (*Report, error) {
	entries, err := r.store.ListChain(ctx, tenantID, period)
	if err != nil {
		return nil, fmt.Errorf("list period entries: %w", err)
	}
	verification, err := r.detector.VerifyChain(ctx, tenantID, period)
	if err != nil {
		return nil, fmt.Errorf("verify period: %w", err)
	}
	anchors, err := r.store.ListAnchors(ctx, tenantID, period)
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}

	tampered := map[string]bool{}
	for _, id := range verification.Affected {
		tampered[id] = true
	}
	for _, b := range verification.Breaks {
		tampered[b.EntryID] = true
	}

	rep := &Report{
		TenantID:     tenantID,
		PeriodStart:  period.From,
		PeriodEnd:    period.To,
		GeneratedAt:  r.now(),
		TotalEntries: len(entries),
		ByType:       map[EventType]int{},
		BySeverity:   map[Severity]int{},
		ByFramework:  map[Framework]int{},
		Verification: verification,
		Anchors:      anchors,
		Frameworks:   map[Framework]*FrameworkSummary{},
	}

	for _, e := range entries {
		rep.ByType[e.EventType]++
		rep.BySeverity[e.Severity]++
		for _, ob := range e.Compliance.Obligations {
			rep.ByFramework[ob.Framework]++
			sum := rep.Frameworks[ob.Framework]
			if sum == nil {
				sum = &FrameworkSummary{}
				rep.Frameworks[ob.Framework] = sum
			}
			sum.Entries++
			if obligationSatisfied(e, ob, tampered[e.EntryID]) {
				sum.Satisfied++
			}
		}
	}

	for _, sum := range rep.Frameworks {
		if sum.Entries > 0 {
			sum.ComplianceRate = float64(sum.Satisfied) / float64(sum.Entries)
		}
	}
	return rep, nil
}

// obligationSatisfied reports whether one entry satisfies one framework's
// obligations: its integrity must be intact and every flagged obligation
// must carry its derived deadline.
func obligationSatisfied(e *AuditEntry, ob Obligation, tampered bool) bool {
	if tampered || e.Forensics.TamperEvidence.Detected {
		return false
	}
	if ob.NotificationRequired && ob.NotificationDeadline == nil {
		return false
	}
	if ob.ReportingRequired && ob.ReportingDeadline == nil {
		return false
	}
	return true
}
