// Package contracts defines the receipt envelope and the phase model that
// every other layer of ReceiptGate agrees on.
package contracts

import "time"

// Phase is a receipt's position in an obligation's lifecycle.
type Phase string

const (
	PhaseAccepted Phase = "accepted"
	PhaseComplete Phase = "complete"
	PhaseEscalate Phase = "escalate"
)

// TerminalPhases close an obligation. If a `cancel` phase is ever
// re-introduced it must be added here and to the routing exemptions.
var TerminalPhases = map[Phase]bool{
	PhaseComplete: true,
	PhaseEscalate: true,
}

// Phases is the closed set of legal phase values.
var Phases = map[Phase]bool{
	PhaseAccepted: true,
	PhaseComplete: true,
	PhaseEscalate: true,
}

// IsTerminal reports whether p closes an obligation.
func (p Phase) IsTerminal() bool { return TerminalPhases[p] }

// Valid reports whether p is one of the legal phase values.
func (p Phase) Valid() bool { return Phases[p] }

// Receipt is an immutable record of a phase transition in an obligation's
// lifecycle. Rows are append-only: nothing mutates a committed receipt.
//
// UUID, CreatedAt, TenantID and CanonicalHash are server-assigned and are
// excluded from the canonical hash preimage.
type Receipt struct {
	UUID              string        `json:"uuid,omitempty"`
	ReceiptID         string        `json:"receipt_id"`
	CanonicalHash     string        `json:"canonical_hash,omitempty"`
	Phase             Phase         `json:"phase"`
	ObligationID      string        `json:"obligation_id"`
	TaskID            string        `json:"task_id,omitempty"`
	CausedByReceiptID string        `json:"caused_by_receipt_id,omitempty"`
	CreatedBy         string        `json:"created_by"`
	RecipientAI       string        `json:"recipient_ai"`
	EscalationTo      string        `json:"escalation_to,omitempty"`
	TaskRef           *TaskRef      `json:"task_ref,omitempty"`
	PlanRef           *PlanRef      `json:"plan_ref,omitempty"`
	ArtifactRefs      []ArtifactRef `json:"artifact_refs,omitempty"`
	Body              Body          `json:"body"`
	CreatedAt         *time.Time    `json:"created_at,omitempty"`
	TenantID          string        `json:"tenant_id,omitempty"`
}

// Body is the free-form structured payload of a receipt. Well-known keys
// (summary, inputs, constraints, result, escalation) are conventions; extra
// keys are preserved verbatim and participate in the canonical hash.
type Body map[string]any

// Result extracts the body's completion result object, if present.
func (b Body) Result() (map[string]any, bool) {
	r, ok := b["result"].(map[string]any)
	return r, ok
}

// Escalation extracts the body's escalation object, if present.
func (b Body) Escalation() (map[string]any, bool) {
	e, ok := b["escalation"].(map[string]any)
	return e, ok
}

// TaskRef links a receipt to an external execution record.
type TaskRef struct {
	TaskID       string `json:"task_id"`
	Queue        string `json:"queue,omitempty"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

// PlanRef links a receipt to a plan held by an external coordinator.
type PlanRef struct {
	PlanID   string `json:"plan_id"`
	PlanHash string `json:"plan_hash,omitempty"`
}

// ArtifactRef is an opaque handle into the external artifact vault.
// ReceiptGate never stores artifact bytes, only references.
type ArtifactRef struct {
	ArtifactID string     `json:"artifact_id,omitempty"`
	URI        string     `json:"uri,omitempty"`
	Digest     string     `json:"digest,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	MIME       string     `json:"mime,omitempty"`
	Bytes      int64      `json:"bytes,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// Artifact kinds that must carry a digest so the vault entry is verifiable.
var DigestRequiredKinds = map[string]bool{
	"binary":  true,
	"dataset": true,
}
