// Package audit defines the append-only records bastion keeps for every
// probe, verdict, breach, and policy lifecycle event, and the pipeline
// that delivers them to sinks. Records are immutable once emitted; the
// full chain from a probe to an activated policy can be reconstructed
// from them.
package audit

import "time"

// Kind discriminates record payloads.
type Kind string

const (
	KindProbeAttempt Kind = "probe_attempt"
	KindVerdict      Kind = "verdict"
	KindBreach       Kind = "breach_record"
	KindPolicyEvent  Kind = "policy_event"
)

// Decision is the aggregated adjudication outcome.
type Decision string

const (
	DecisionBreach       Decision = "breach"
	DecisionNoBreach     Decision = "no_breach"
	DecisionInconclusive Decision = "inconclusive"
)

// ProbeAttempt is one adversarial input served through the gateway.
type ProbeAttempt struct {
	ID              string    `json:"id"`
	Input           string    `json:"input"`
	Response        string    `json:"response"`
	Action          string    `json:"action"` // gateway action: allow | block | rewrite | flag
	SnapshotVersion uint64    `json:"snapshot_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// JudgeScore is one ensemble member's contribution to a verdict.
type JudgeScore struct {
	Judge     string  `json:"judge"`
	Value     float32 `json:"value"`
	Threshold float32 `json:"threshold"`
	Vote      bool    `json:"vote"`
	Abstained bool    `json:"abstained"`
}

// Verdict is the ensemble's decision on one probe attempt.
type Verdict struct {
	ID         string       `json:"id"`
	AttemptID  string       `json:"attempt_id"`
	Decision   Decision     `json:"decision"`
	Confidence float32      `json:"confidence"`
	Category   string       `json:"category,omitempty"` // breach category, e.g. role_play_evasion
	Scores     []JudgeScore `json:"scores"`
	CreatedAt  time.Time    `json:"created_at"`
}

// BreachRecord carries the generalization features derived from a
// confirmed breach; it is the provenance of any policy synthesized from it.
type BreachRecord struct {
	ID        string    `json:"id"`
	VerdictID string    `json:"verdict_id"`
	AttemptID string    `json:"attempt_id"`
	Category  string    `json:"category"`
	Input     string    `json:"input"`
	Keywords  []string  `json:"keywords,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PolicyEvent records a policy lifecycle transition. Activation events
// carry the time-to-mitigation from the originating breach verdict.
type PolicyEvent struct {
	Type             string    `json:"type"` // proposed | activated | rejected_overfit | retired
	PolicyID         string    `json:"policy_id"`
	Lineage          string    `json:"lineage,omitempty"`
	SnapshotVersion  uint64    `json:"snapshot_version,omitempty"`
	BreachID         string    `json:"breach_id,omitempty"`
	TimeToMitigation float64   `json:"time_to_mitigation_ms,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Record is the envelope delivered to sinks; exactly one payload field
// is set, matching Kind.
type Record struct {
	Kind    Kind          `json:"kind"`
	Attempt *ProbeAttempt `json:"attempt,omitempty"`
	Verdict *Verdict      `json:"verdict,omitempty"`
	Breach  *BreachRecord `json:"breach,omitempty"`
	Policy  *PolicyEvent  `json:"policy,omitempty"`
}
