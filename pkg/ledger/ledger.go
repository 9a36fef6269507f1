// Package ledger implements the append-only receipt ledger: the append
// protocol with its idempotency and conflict semantics, and the derived
// read views (inbox, chains, task roll-ups, header search).
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/legivellum/receiptgate/pkg/contracts"
	"github.com/legivellum/receiptgate/pkg/store"
	"github.com/legivellum/receiptgate/pkg/validation"
)

// Options tunes ledger behavior beyond the required append protocol.
type Options struct {
	// TenantID scopes every row this ledger reads and writes.
	TenantID string
	// GraphEnabled maintains the receipt_edges projection inside the
	// append transaction and routes chain traversal through it.
	GraphEnabled bool
	// DefaultChainDepth bounds traversal when the caller does not ask
	// for a depth. MaxChainDepth is the hard ceiling.
	DefaultChainDepth int
	MaxChainDepth     int
	// DefaultPageSize and MaxPageSize bound list views.
	DefaultPageSize int
	MaxPageSize     int
}

func (o *Options) withDefaults() {
	if o.TenantID == "" {
		o.TenantID = "default"
	}
	if o.DefaultChainDepth <= 0 {
		o.DefaultChainDepth = 64
	}
	if o.MaxChainDepth <= 0 {
		o.MaxChainDepth = 1024
	}
	if o.DefaultPageSize <= 0 {
		o.DefaultPageSize = 50
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = 500
	}
}

// Ledger is the single writer and reader of the receipts table.
type Ledger struct {
	store     *store.Store
	validator *validation.Validator
	opts      Options
	logger    *slog.Logger
}

// New wires a ledger over an opened, migrated store.
func New(st *store.Store, v *validation.Validator, opts Options, logger *slog.Logger) *Ledger {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, validator: v, opts: opts, logger: logger}
}

// TenantID returns the tenant this ledger is scoped to.
func (l *Ledger) TenantID() string { return l.opts.TenantID }

// Store exposes the underlying store for health checks.
func (l *Ledger) Store() *store.Store { return l.store }

// receiptColumns is the canonical select list. Scan order in scanReceipt
// must match.
const receiptColumns = `uuid, receipt_id, canonical_hash, phase, obligation_id, task_id,
	caused_by_receipt_id, created_by, recipient_ai, escalation_to,
	task_ref, plan_ref, artifact_refs, body, created_at, tenant_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*contracts.Receipt, error) {
	var (
		r            contracts.Receipt
		taskRef      sql.NullString
		planRef      sql.NullString
		artifactRefs sql.NullString
		body         string
		createdAt    any
	)
	err := row.Scan(
		&r.UUID, &r.ReceiptID, &r.CanonicalHash, &r.Phase, &r.ObligationID, &r.TaskID,
		&r.CausedByReceiptID, &r.CreatedBy, &r.RecipientAI, &r.EscalationTo,
		&taskRef, &planRef, &artifactRefs, &body, &createdAt, &r.TenantID,
	)
	if err != nil {
		return nil, err
	}
	t, err := store.ScanTime(createdAt)
	if err != nil {
		return nil, err
	}
	if !t.IsZero() {
		r.CreatedAt = &t
	}
	if taskRef.Valid && taskRef.String != "" {
		if err := json.Unmarshal([]byte(taskRef.String), &r.TaskRef); err != nil {
			return nil, fmt.Errorf("ledger: decode task_ref for %s: %w", r.ReceiptID, err)
		}
	}
	if planRef.Valid && planRef.String != "" {
		if err := json.Unmarshal([]byte(planRef.String), &r.PlanRef); err != nil {
			return nil, fmt.Errorf("ledger: decode plan_ref for %s: %w", r.ReceiptID, err)
		}
	}
	if artifactRefs.Valid && artifactRefs.String != "" {
		if err := json.Unmarshal([]byte(artifactRefs.String), &r.ArtifactRefs); err != nil {
			return nil, fmt.Errorf("ledger: decode artifact_refs for %s: %w", r.ReceiptID, err)
		}
	}
	if err := json.Unmarshal([]byte(body), &r.Body); err != nil {
		return nil, fmt.Errorf("ledger: decode body for %s: %w", r.ReceiptID, err)
	}
	return &r, nil
}

// bindJSON marshals v for a JSON column, returning nil for absent values so
// the column stays NULL.
func bindJSON(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *contracts.TaskRef:
		if x == nil {
			return nil, nil
		}
	case *contracts.PlanRef:
		if x == nil {
			return nil, nil
		}
	case []contracts.ArtifactRef:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *Ledger) clampLimit(limit int) int {
	if limit <= 0 {
		return l.opts.DefaultPageSize
	}
	if limit > l.opts.MaxPageSize {
		return l.opts.MaxPageSize
	}
	return limit
}

// now is swapped in tests to pin timestamps.
var now = func() time.Time { return time.Now().UTC() }
