package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lexcomply/ledger/internal/canonical"
)

// EntryDigest computes the hex SHA-256 digest of an entry's semantic fields
// plus the given previousHash. It is a pure function: the same entry and
// previousHash always produce the same digest, on append and on every later
// verification pass.
//
// The hash input is a canonical JSON envelope with a fixed key set. Mutable
// lifecycle fields (forensics, retention state, legal hold, merkle root,
// signature) are deliberately excluded: the system is sanctioned to write
// them after commit, so they cannot participate in the digest.
func EntryDigest(e *AuditEntry, previousHash string) (string, error) {
	b, err := canonical.Marshal(hashEnvelope(e, previousHash))
	if err != nil {
		return "", fmt.Errorf("canonicalize entry %s: %w", e.EntryID, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// hashEnvelope lays out the semantic fields in an explicit, fixed shape.
// Every key is always present; absent optional values are nil (canonical
// null), never omitted.
func hashEnvelope(e *AuditEntry, previousHash string) map[string]interface{} {
	return map[string]interface{}{
		"entryId":      e.EntryID,
		"tenantId":     e.TenantID,
		"eventType":    string(e.EventType),
		"severity":     string(e.Severity),
		"description":  e.Description,
		"actor":        partyEnvelope(e.Actor),
		"target":       partyEnvelope(e.Target),
		"context":      contextEnvelope(e.Context),
		"compliance":   complianceEnvelope(e.Compliance),
		"retention":    retentionEnvelope(e.Retention),
		"previousHash": previousHash,
	}
}

func partyEnvelope(p Party) map[string]interface{} {
	return map[string]interface{}{
		"kind":   string(p.Kind),
		"id":     p.ID,
		"role":   nullable(p.Role),
		"origin": nullable(p.Origin),
	}
}

func contextEnvelope(c EventContext) map[string]interface{} {
	return map[string]interface{}{
		"environment": nullable(c.Environment),
		"service":     c.Service,
		"component":   nullable(c.Component),
		"timestamp":   canonical.NormalizeTime(c.Timestamp),
		"geo":         nullable(c.Geo),
	}
}

func complianceEnvelope(m ComplianceMetadata) map[string]interface{} {
	obs := make([]interface{}, 0, len(m.Obligations))
	for _, ob := range m.Obligations {
		sections := make([]interface{}, 0, len(ob.Sections))
		for _, s := range ob.Sections {
			sections = append(sections, s)
		}
		obs = append(obs, map[string]interface{}{
			"framework":            string(ob.Framework),
			"sections":             sections,
			"notificationRequired": ob.NotificationRequired,
			"notificationDeadline": nullableTime(ob.NotificationDeadline),
			"reportingRequired":    ob.ReportingRequired,
			"reportingDeadline":    nullableTime(ob.ReportingDeadline),
			"retentionFloorDays":   ob.RetentionFloorDays,
		})
	}
	return map[string]interface{}{
		"obligations":  obs,
		"personalData": m.PersonalData,
	}
}

// retentionEnvelope covers only the immutable part of retention: the policy
// chosen at commit time and the expiry it computed.
func retentionEnvelope(r Retention) map[string]interface{} {
	return map[string]interface{}{
		"policy": r.Policy,
		"expiry": canonical.NormalizeTime(r.Expiry),
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return canonical.NormalizeTime(*t)
}
