package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func classifyEvent(et EventType, target Party, ts time.Time) ComplianceMetadata {
	e := sampleEntry("acme", ts)
	e.EventType = et
	e.Target = target
	return NewClassifier().Classify(e)
}

func frameworks(m ComplianceMetadata) []Framework {
	out := make([]Framework, 0, len(m.Obligations))
	for _, ob := range m.Obligations {
		out = append(out, ob.Framework)
	}
	return out
}

func TestClassifyDataBreach(t *testing.T) {
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	m := classifyEvent(EventDataBreach, Party{Kind: PartyClient, ID: "c-9"}, ts)

	require.True(t, m.PersonalData)
	require.ElementsMatch(t, []Framework{FrameworkGDPR, FrameworkCCPA, FrameworkHIPAA}, frameworks(m))

	for _, ob := range m.Obligations {
		require.True(t, ob.NotificationRequired, "%s must require notification", ob.Framework)
		require.NotNil(t, ob.NotificationDeadline, "%s must carry a deadline", ob.Framework)
		switch ob.Framework {
		case FrameworkGDPR, FrameworkCCPA:
			require.Equal(t, ts.Add(72*time.Hour), *ob.NotificationDeadline)
		case FrameworkHIPAA:
			require.Equal(t, ts.AddDate(0, 0, 60), *ob.NotificationDeadline)
		}
	}
}

func TestClassifyDataBreachWithoutPersonalData(t *testing.T) {
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	m := classifyEvent(EventDataBreach, Party{Kind: PartyService, ID: "billing"}, ts)

	require.False(t, m.PersonalData)
	require.ElementsMatch(t, []Framework{FrameworkGDPR, FrameworkCCPA}, frameworks(m))
}

func TestClassifyFraudRequiresImmediateReporting(t *testing.T) {
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, et := range []EventType{EventFraudDetected, EventSuspiciousActivity} {
		m := classifyEvent(et, Party{Kind: PartyService, ID: "billing"}, ts)
		require.ElementsMatch(t, []Framework{FrameworkSOX, FrameworkPCIDSS}, frameworks(m))
		for _, ob := range m.Obligations {
			require.True(t, ob.ReportingRequired)
			require.NotNil(t, ob.ReportingDeadline)
			require.Equal(t, ts, *ob.ReportingDeadline)
		}
	}
}

func TestClassifyAccessEvents(t *testing.T) {
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, et := range []EventType{EventAuthenticationSuccess, EventAuthenticationFailure, EventAuthorizationFailure} {
		m := classifyEvent(et, Party{Kind: PartyService, ID: "portal"}, ts)
		require.ElementsMatch(t, []Framework{FrameworkPCIDSS, FrameworkISO27001}, frameworks(m))
		require.False(t, m.PersonalData)
	}
}

func TestClassifyDataAccessOnRecordAddsGDPR(t *testing.T) {
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	m := classifyEvent(EventDataAccess, Party{Kind: PartyRecord, ID: "matter-44"}, ts)
	require.True(t, m.PersonalData)
	require.ElementsMatch(t, []Framework{FrameworkISO27001, FrameworkGDPR}, frameworks(m))

	// The same record target on an event type that does not read or write
	// data is not a personal-data touch.
	m = classifyEvent(EventAuthenticationFailure, Party{Kind: PartyRecord, ID: "matter-44"}, ts)
	require.False(t, m.PersonalData)
}

func TestClassifyDefaultObligation(t *testing.T) {
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	m := classifyEvent(EventSystemError, Party{Kind: PartyService, ID: "portal"}, ts)
	require.Len(t, m.Obligations, 1)
	require.Equal(t, FrameworkISO27001, m.Obligations[0].Framework)
	require.Equal(t, statutoryMinimumDays, m.Obligations[0].RetentionFloorDays)
}

func TestRetentionFloorTakesLongestObligation(t *testing.T) {
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	m := classifyEvent(EventFraudDetected, Party{Kind: PartyService, ID: "billing"}, ts)
	require.Equal(t, financialRetentionDays, m.RetentionFloorDays())

	m = classifyEvent(EventAuthenticationSuccess, Party{Kind: PartyService, ID: "portal"}, ts)
	require.Equal(t, statutoryMinimumDays, m.RetentionFloorDays())

	// No obligations still floors at the statutory minimum.
	require.Equal(t, statutoryMinimumDays, ComplianceMetadata{}.RetentionFloorDays())
}

func TestClassifyIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	first := classifyEvent(EventDataBreach, Party{Kind: PartyClient, ID: "c-9"}, ts)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, classifyEvent(EventDataBreach, Party{Kind: PartyClient, ID: "c-9"}, ts))
	}
}
