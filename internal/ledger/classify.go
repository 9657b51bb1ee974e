package ledger

import "time"

// Statutory floors and deadline offsets used by the classifier. Values are
// the conservative defaults for a legal-practice deployment; per-framework
// floors are folded into retention by the chain builder.
const (
	statutoryMinimumDays = 365

	breachNotificationWindow = 72 * time.Hour // GDPR Art. 33
	hipaaNotificationDays    = 60             // 45 CFR 164.404

	accessLogRetentionDays  = 365  // PCI DSS Req. 10.7
	incidentRetentionDays   = 1825 // ISO 27001 A.16 incident records
	financialRetentionDays  = 2555 // SOX §802, seven years
	personalDataRetentionDays = 1095
)

// Classifier maps an event to the regulatory frameworks it falls under and
// the obligations they derive. It is a pure mapping: no side effects, and it
// must run before commit because its output is part of the hashed payload.
type Classifier struct{}

// NewClassifier constructs a Classifier.
func NewClassifier() *Classifier { return &Classifier{} }

// Classify derives compliance metadata for a validated candidate entry.
// Deadlines are offsets from the event's context timestamp, not from wall
// clock, so re-running classification is deterministic.
func (c *Classifier) Classify(e *AuditEntry) ComplianceMetadata {
	ts := e.Context.Timestamp.UTC()
	personal := involvesPersonalData(e)

	var obs []Obligation
	switch e.EventType {
	case EventDataBreach:
		// Breach notification is unconditional: fixed deadline offsets from
		// the event time regardless of context.
		gdprDeadline := ts.Add(breachNotificationWindow)
		obs = append(obs, Obligation{
			Framework:            FrameworkGDPR,
			Sections:             []string{"Art. 33", "Art. 34"},
			NotificationRequired: true,
			NotificationDeadline: &gdprDeadline,
			RetentionFloorDays:   incidentRetentionDays,
		})
		ccpaDeadline := ts.Add(breachNotificationWindow)
		obs = append(obs, Obligation{
			Framework:            FrameworkCCPA,
			Sections:             []string{"1798.82"},
			NotificationRequired: true,
			NotificationDeadline: &ccpaDeadline,
			RetentionFloorDays:   incidentRetentionDays,
		})
		if personal {
			hipaaDeadline := ts.AddDate(0, 0, hipaaNotificationDays)
			obs = append(obs, Obligation{
				Framework:            FrameworkHIPAA,
				Sections:             []string{"164.404"},
				NotificationRequired: true,
				NotificationDeadline: &hipaaDeadline,
				RetentionFloorDays:   incidentRetentionDays,
			})
		}

	case EventFraudDetected, EventSuspiciousActivity:
		// Suspicious-activity reporting is immediate: the deadline is the
		// event time itself.
		reportBy := ts
		obs = append(obs, Obligation{
			Framework:          FrameworkSOX,
			Sections:           []string{"§802", "§806"},
			ReportingRequired:  true,
			ReportingDeadline:  &reportBy,
			RetentionFloorDays: financialRetentionDays,
		})
		obs = append(obs, Obligation{
			Framework:          FrameworkPCIDSS,
			Sections:           []string{"Req. 12.10"},
			ReportingRequired:  true,
			ReportingDeadline:  &reportBy,
			RetentionFloorDays: incidentRetentionDays,
		})

	case EventAuthenticationSuccess, EventAuthenticationFailure, EventAuthorizationFailure:
		obs = append(obs, Obligation{
			Framework:          FrameworkPCIDSS,
			Sections:           []string{"Req. 10.2"},
			RetentionFloorDays: accessLogRetentionDays,
		})
		obs = append(obs, Obligation{
			Framework:          FrameworkISO27001,
			Sections:           []string{"A.9.4"},
			RetentionFloorDays: accessLogRetentionDays,
		})

	case EventDataAccess, EventDataModification:
		obs = append(obs, Obligation{
			Framework:          FrameworkISO27001,
			Sections:           []string{"A.12.4"},
			RetentionFloorDays: accessLogRetentionDays,
		})
		if personal {
			obs = append(obs, Obligation{
				Framework:          FrameworkGDPR,
				Sections:           []string{"Art. 30"},
				RetentionFloorDays: personalDataRetentionDays,
			})
		}

	case EventTamperingDetected, EventIntrusionAttempt:
		obs = append(obs, Obligation{
			Framework:          FrameworkISO27001,
			Sections:           []string{"A.16.1"},
			RetentionFloorDays: incidentRetentionDays,
		})
		obs = append(obs, Obligation{
			Framework:          FrameworkPCIDSS,
			Sections:           []string{"Req. 10.6", "Req. 12.10"},
			RetentionFloorDays: incidentRetentionDays,
		})

	case EventComplianceViolation:
		obs = append(obs, Obligation{
			Framework:          FrameworkSOX,
			Sections:           []string{"§404"},
			RetentionFloorDays: financialRetentionDays,
		})
		obs = append(obs, Obligation{
			Framework:          FrameworkISO27001,
			Sections:           []string{"A.18.1"},
			RetentionFloorDays: incidentRetentionDays,
		})

	default:
		// System errors, audit bookkeeping, purge and hold records: plain
		// operational log retention.
		obs = append(obs, Obligation{
			Framework:          FrameworkISO27001,
			Sections:           []string{"A.12.4"},
			RetentionFloorDays: statutoryMinimumDays,
		})
	}

	return ComplianceMetadata{Obligations: obs, PersonalData: personal}
}

// RetentionFloorDays returns the longest retention floor across all
// obligations, never less than the statutory minimum.
func (m ComplianceMetadata) RetentionFloorDays() int {
	floor := statutoryMinimumDays
	for _, ob := range m.Obligations {
		if ob.RetentionFloorDays > floor {
			floor = ob.RetentionFloorDays
		}
	}
	return floor
}

// involvesPersonalData is the derived-context rule: events whose target is a
// person or a client record are treated as touching personal information.
func involvesPersonalData(e *AuditEntry) bool {
	switch e.Target.Kind {
	case PartyUser, PartyClient:
		return true
	case PartyRecord:
		return e.EventType == EventDataBreach || e.EventType == EventDataAccess ||
			e.EventType == EventDataModification
	}
	return false
}
