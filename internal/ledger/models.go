// Package ledger implements the tamper-evident audit ledger: per-tenant hash
// chains of immutable compliance events, Merkle batch anchoring, tamper
// detection, retention lifecycle and forensic reporting.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SentinelHash is the previousHash value of the first entry in a tenant chain.
const SentinelHash = "none"

// EventType is the closed set of security/compliance event categories the
// ledger records. Unknown values are rejected at validation time.
type EventType string

const (
	EventAuthenticationSuccess EventType = "AUTHENTICATION_SUCCESS"
	EventAuthenticationFailure EventType = "AUTHENTICATION_FAILURE"
	EventAuthorizationFailure  EventType = "AUTHORIZATION_FAILURE"
	EventDataAccess            EventType = "DATA_ACCESS"
	EventDataModification      EventType = "DATA_MODIFICATION"
	EventDataBreach            EventType = "DATA_BREACH"
	EventTamperingDetected     EventType = "TAMPERING_DETECTED"
	EventIntrusionAttempt      EventType = "INTRUSION_ATTEMPT"
	EventSuspiciousActivity    EventType = "SUSPICIOUS_ACTIVITY"
	EventFraudDetected         EventType = "FRAUD_DETECTED"
	EventComplianceViolation   EventType = "COMPLIANCE_VIOLATION"
	EventSystemError           EventType = "SYSTEM_ERROR"
	EventAuditEvent            EventType = "AUDIT_EVENT"
	EventRetentionPurge        EventType = "RETENTION_PURGE"
	EventLegalHoldChange       EventType = "LEGAL_HOLD_CHANGE"
)

var eventTypes = map[EventType]bool{
	EventAuthenticationSuccess: true,
	EventAuthenticationFailure: true,
	EventAuthorizationFailure:  true,
	EventDataAccess:            true,
	EventDataModification:      true,
	EventDataBreach:            true,
	EventTamperingDetected:     true,
	EventIntrusionAttempt:      true,
	EventSuspiciousActivity:    true,
	EventFraudDetected:         true,
	EventComplianceViolation:   true,
	EventSystemError:           true,
	EventAuditEvent:            true,
	EventRetentionPurge:        true,
	EventLegalHoldChange:       true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool { return eventTypes[t] }

// Severity orders events critical > high > medium > low > info.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

var severityRank = map[Severity]int{
	SeverityCritical: 5,
	SeverityHigh:     4,
	SeverityMedium:   3,
	SeverityLow:      2,
	SeverityInfo:     1,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return severityRank[s] != 0 }

// Rank returns the numeric order of s (higher is more severe, 0 if unknown).
func (s Severity) Rank() int { return severityRank[s] }

// PartyKind classifies an actor or target descriptor.
type PartyKind string

const (
	PartyUser     PartyKind = "USER"
	PartyService  PartyKind = "SERVICE"
	PartySystem   PartyKind = "SYSTEM"
	PartyClient   PartyKind = "CLIENT"
	PartyRecord   PartyKind = "RECORD"
	PartyExternal PartyKind = "EXTERNAL"
)

var partyKinds = map[PartyKind]bool{
	PartyUser:     true,
	PartyService:  true,
	PartySystem:   true,
	PartyClient:   true,
	PartyRecord:   true,
	PartyExternal: true,
}

// Valid reports whether k is a known party kind.
func (k PartyKind) Valid() bool { return partyKinds[k] }

// Party describes who acted or what was acted upon. Parties are descriptive
// values copied into each entry; they are not live references to other rows.
type Party struct {
	Kind   PartyKind `json:"kind"`
	ID     string    `json:"id"`
	Role   string    `json:"role,omitempty"`
	Origin string    `json:"origin,omitempty"` // network origin (IP or host), actors only
}

// EventContext carries environment and the authoritative ordering timestamp.
type EventContext struct {
	Environment string    `json:"environment,omitempty"`
	Service     string    `json:"service"`
	Component   string    `json:"component,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Geo         string    `json:"geo,omitempty"`
}

// Framework is a regulatory framework an entry can fall under.
type Framework string

const (
	FrameworkGDPR     Framework = "GDPR"
	FrameworkCCPA     Framework = "CCPA"
	FrameworkHIPAA    Framework = "HIPAA"
	FrameworkSOX      Framework = "SOX"
	FrameworkPCIDSS   Framework = "PCI_DSS"
	FrameworkISO27001 Framework = "ISO_27001"
)

// Obligation is what one framework requires of one entry.
type Obligation struct {
	Framework            Framework  `json:"framework"`
	Sections             []string   `json:"sections,omitempty"`
	NotificationRequired bool       `json:"notificationRequired"`
	NotificationDeadline *time.Time `json:"notificationDeadline,omitempty"`
	ReportingRequired    bool       `json:"reportingRequired"`
	ReportingDeadline    *time.Time `json:"reportingDeadline,omitempty"`
	RetentionFloorDays   int        `json:"retentionFloorDays"`
}

// ComplianceMetadata is the classifier output embedded in the entry before it
// is hashed and committed.
type ComplianceMetadata struct {
	Obligations  []Obligation `json:"obligations"`
	PersonalData bool         `json:"personalData"`
}

// Frameworks lists the frameworks the entry falls under, in obligation order.
func (m ComplianceMetadata) Frameworks() []Framework {
	out := make([]Framework, 0, len(m.Obligations))
	for _, ob := range m.Obligations {
		out = append(out, ob.Framework)
	}
	return out
}

// DetectionMethod names how a tamper break was found.
type DetectionMethod string

const (
	DetectHashMismatch       DetectionMethod = "HASH_MISMATCH"
	DetectLinkMismatch       DetectionMethod = "LINK_MISMATCH"
	DetectMissingPredecessor DetectionMethod = "MISSING_PREDECESSOR"
	DetectDownstreamOfBreak  DetectionMethod = "DOWNSTREAM_OF_BREAK"
	DetectSignatureInvalid   DetectionMethod = "SIGNATURE_INVALID"
)

// TamperEvidence is the one sub-record the system may write after commit.
type TamperEvidence struct {
	Detected         bool            `json:"detected"`
	Method           DetectionMethod `json:"method,omitempty"`
	DetectedAt       *time.Time      `json:"detectedAt,omitempty"`
	CorrectiveAction string          `json:"correctiveAction,omitempty"`
}

// CustodyEvent is one chain-of-custody annotation.
type CustodyEvent struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
}

// Forensics groups tamper evidence and custody annotations. None of it is
// part of the hashed payload: it is the sanctioned post-commit write path.
type Forensics struct {
	TamperEvidence TamperEvidence `json:"tamperEvidence"`
	ChainOfCustody []CustodyEvent `json:"chainOfCustody,omitempty"`
	ExternalAnchor string         `json:"externalAnchor,omitempty"`
}

// RetentionState is the lifecycle position of an entry.
type RetentionState string

const (
	RetentionActive   RetentionState = "ACTIVE"
	RetentionEligible RetentionState = "ELIGIBLE"
	RetentionArchived RetentionState = "ARCHIVED"
	RetentionPurged   RetentionState = "PURGED"
)

// LegalHold blocks archival and purge while active, regardless of age.
type LegalHold struct {
	ID         string     `json:"id"`
	Active     bool       `json:"active"`
	Reason     string     `json:"reason"`
	Operator   string     `json:"operator"`
	CaseRef    string     `json:"caseRef,omitempty"`
	PlacedAt   time.Time  `json:"placedAt"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	ReleasedBy string     `json:"releasedBy,omitempty"`
}

// Retention carries the policy chosen at commit time plus mutable lifecycle
// state. Policy and Expiry are hashed; State and Hold are not.
type Retention struct {
	Policy string         `json:"policy"`
	Expiry time.Time      `json:"expiry"`
	State  RetentionState `json:"state"`
	Hold   *LegalHold     `json:"hold,omitempty"`
}

// HeldLegally reports whether an active legal hold is in place.
func (r Retention) HeldLegally() bool { return r.Hold != nil && r.Hold.Active }

// AuditEntry is the ledger's atomic unit. Once committed it is immutable;
// the only sanctioned post-commit writes are Forensics annotations and
// Retention lifecycle state.
type AuditEntry struct {
	EntryID     string             `json:"entryId"`
	TenantID    string             `json:"tenantId"`
	Seq         uint64             `json:"seq"` // commit sequence within the tenant chain
	EventType   EventType          `json:"eventType"`
	Severity    Severity           `json:"severity"`
	Description string             `json:"description"`
	Actor       Party              `json:"actor"`
	Target      Party              `json:"target"`
	Context     EventContext       `json:"context"`
	Compliance  ComplianceMetadata `json:"complianceMetadata"`
	Forensics   Forensics          `json:"forensics"`

	PreviousHash string `json:"previousHash"`
	CurrentHash  string `json:"currentHash"`
	Signature    string `json:"signature,omitempty"` // base64 Ed25519 over CurrentHash bytes
	SignerID     string `json:"signerId,omitempty"`
	MerkleRoot   string `json:"merkleRoot,omitempty"` // set when a batch window closes

	Immutable bool      `json:"immutable"`
	Retention Retention `json:"retention"`
}

// MerkleAnchor records one closed batch window and its root.
type MerkleAnchor struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Root        string    `json:"root"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	EntryCount  int       `json:"entryCount"`
	ClosedAt    time.Time `json:"closedAt"`
}

// Error taxonomy. Callers branch with errors.Is; none of these carry partial
// state: a rejected append leaves the chain exactly as it was.
var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation error")
	ErrImmutableLog    = errors.New("immutable log violation")
	ErrChainContention = errors.New("chain contention")
	ErrLegalHold       = errors.New("legal hold violation")

	// ErrHeadConflict is the storage-level signal that another append won the
	// race for the tenant head. The chain builder retries; it never escapes
	// to callers except wrapped as ErrChainContention.
	ErrHeadConflict = errors.New("tenant head changed")
)

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}

// Validate checks a candidate entry before it is classified and hashed.
func (e *AuditEntry) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("%w: tenantId required", ErrValidation)
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, e.EventType)
	}
	if !e.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, e.Severity)
	}
	if e.Description == "" {
		return fmt.Errorf("%w: description required", ErrValidation)
	}
	if e.Actor.ID == "" || !e.Actor.Kind.Valid() {
		return fmt.Errorf("%w: actor kind and id required", ErrValidation)
	}
	if e.Target.ID == "" || !e.Target.Kind.Valid() {
		return fmt.Errorf("%w: target kind and id required", ErrValidation)
	}
	if e.Context.Service == "" {
		return fmt.Errorf("%w: context.service required", ErrValidation)
	}
	if e.Context.Timestamp.IsZero() {
		return fmt.Errorf("%w: context.timestamp required", ErrValidation)
	}
	return nil
}
