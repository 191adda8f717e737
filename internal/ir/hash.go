package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Domain prefixes for content-addressed audit refs. The version suffix leaves
// room for a future payload format.
const (
	DomainAssessment = "epistemic/assessment/v1"
	DomainEvidence   = "epistemic/evidence/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VectorMicros renders a VectorSet as name → integer millionths.
func VectorMicros(v VectorSet) map[string]int64 {
	out := make(map[string]int64, NumVectors)
	for i, val := range v.Values() {
		out[string(VectorNames[i])] = Micros(val)
	}
	return out
}

// AuditPayload is the canonical audit log body of an assessment. Metadata is
// omitted; it is derived data and may carry floats.
func AuditPayload(a Assessment) map[string]any {
	return map[string]any{
		"id":             a.ID,
		"session_id":     a.SessionID,
		"transaction_id": a.TransactionID,
		"phase":          string(a.Phase),
		"round":          int64(a.Round),
		"vectors":        VectorMicros(a.Vectors),
		"reasoning":      a.Reasoning,
		"created_at":     a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// AssessmentRef returns the canonical payload bytes for a and its
// content-addressed ref.
func AssessmentRef(a Assessment) (ref string, payload []byte, err error) {
	payload, err = MarshalCanonical(AuditPayload(a))
	if err != nil {
		return "", nil, fmt.Errorf("AssessmentRef: %w", err)
	}
	return hashWithDomain(DomainAssessment, payload), payload, nil
}

// EvidenceRef returns the content-addressed ref of an evidence bundle.
func EvidenceRef(b EvidenceBundle) (string, error) {
	items := make([]any, len(b.Items))
	for i, it := range b.Items {
		items[i] = map[string]any{
			"source":  it.Source,
			"signal":  it.Signal,
			"value":   Micros(it.Value),
			"quality": string(it.Quality),
		}
	}
	payload, err := MarshalCanonical(map[string]any{
		"transaction_id": b.TransactionID,
		"partial":        b.Partial,
		"items":          items,
	})
	if err != nil {
		return "", fmt.Errorf("EvidenceRef: %w", err)
	}
	return hashWithDomain(DomainEvidence, payload), nil
}
