package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/legivellum/receiptgate/pkg/api"
	"github.com/legivellum/receiptgate/pkg/canonicalize"
	"github.com/legivellum/receiptgate/pkg/contracts"
	"github.com/legivellum/receiptgate/pkg/store"
)

// AppendResult is the outcome of a submit. Replayed marks an idempotent
// re-submission of an already-committed receipt.
type AppendResult struct {
	Receipt  *contracts.Receipt
	Replayed bool
}

// Append admits one receipt. The payload is the raw decoded JSON object so
// the canonical hash covers exactly what the client sent, including body
// keys the struct model does not name.
//
// Admission order: payload validation, idempotent replay or conflict on
// receipt_id, parent existence and phase, obligation terminality, then the
// insert. A lost insert race is resolved by re-reading the winning row.
func (l *Ledger) Append(ctx context.Context, payload map[string]any) (*AppendResult, error) {
	if err := l.validator.Validate(payload); err != nil {
		return nil, err
	}
	hash, err := canonicalize.ReceiptHash(payload)
	if err != nil {
		return nil, api.Wrap(api.KindValidationFailed, "payload cannot be canonicalized", err)
	}
	r, err := decodeReceipt(payload)
	if err != nil {
		return nil, api.Wrap(api.KindValidationFailed, "payload does not decode as a receipt", err)
	}
	r.CanonicalHash = hash
	r.TenantID = l.opts.TenantID

	var tx *sql.Tx
	err = store.Retry(ctx, func() error {
		var berr error
		tx, berr = l.store.DB.BeginTx(ctx, nil)
		return berr
	})
	if err != nil {
		return nil, api.Wrap(api.KindBackend, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := l.getInTx(ctx, tx, r.ReceiptID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return l.resolveExisting(existing, hash)
	}

	if r.CausedByReceiptID != "" {
		parent, err := l.getInTx(ctx, tx, r.CausedByReceiptID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, api.New(api.KindParentMissing,
				fmt.Sprintf("caused_by_receipt_id %q does not exist", r.CausedByReceiptID),
				map[string]any{"caused_by_receipt_id": r.CausedByReceiptID})
		}
		if parent.ObligationID != r.ObligationID {
			return nil, api.New(api.KindParentMissing,
				fmt.Sprintf("caused_by_receipt_id %q belongs to obligation %q, not %q",
					parent.ReceiptID, parent.ObligationID, r.ObligationID),
				map[string]any{
					"caused_by_receipt_id": parent.ReceiptID,
					"parent_obligation_id": parent.ObligationID,
					"obligation_id":        r.ObligationID,
				})
		}
		if parent.Phase != contracts.PhaseAccepted {
			return nil, api.New(api.KindParentNotAcceptedPhase,
				fmt.Sprintf("parent receipt %q has phase %q, want accepted", parent.ReceiptID, parent.Phase),
				map[string]any{"caused_by_receipt_id": parent.ReceiptID, "parent_phase": string(parent.Phase)})
		}
	}

	terminal, err := l.obligationTerminalInTx(ctx, tx, r.ObligationID)
	if err != nil {
		return nil, err
	}
	if terminal != "" {
		return nil, api.New(api.KindAlreadyTerminated,
			fmt.Sprintf("obligation %q was closed by receipt %q", r.ObligationID, terminal),
			map[string]any{"obligation_id": r.ObligationID, "terminal_receipt_id": terminal})
	}

	r.UUID = uuid.NewString()
	t := now()
	r.CreatedAt = &t

	if err := l.insertInTx(ctx, tx, r); err != nil {
		if store.IsUniqueViolation(err) {
			// Lost the first-writer race. The committed row decides.
			_ = tx.Rollback()
			winner, gerr := l.GetByReceiptID(ctx, r.ReceiptID)
			if gerr != nil {
				return nil, gerr
			}
			return l.resolveExisting(winner, hash)
		}
		return nil, api.Wrap(api.KindBackend, "insert receipt", err)
	}

	if l.opts.GraphEnabled && r.CausedByReceiptID != "" {
		if err := l.insertEdgeInTx(ctx, tx, r); err != nil {
			return nil, api.Wrap(api.KindBackend, "insert receipt edge", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, api.Wrap(api.KindBackend, "commit receipt", err)
	}

	l.logger.Info("receipt appended",
		"receipt_id", r.ReceiptID,
		"phase", string(r.Phase),
		"obligation_id", r.ObligationID,
		"canonical_hash", r.CanonicalHash,
	)
	return &AppendResult{Receipt: r}, nil
}

func (l *Ledger) resolveExisting(existing *contracts.Receipt, hash string) (*AppendResult, error) {
	if existing.CanonicalHash == hash {
		return &AppendResult{Receipt: existing, Replayed: true}, nil
	}
	return nil, api.New(api.KindReceiptConflict,
		fmt.Sprintf("receipt_id %q already exists with different content", existing.ReceiptID),
		map[string]any{
			"receipt_id":    existing.ReceiptID,
			"existing_hash": existing.CanonicalHash,
			"incoming_hash": hash,
		})
}

func (l *Ledger) getInTx(ctx context.Context, tx *sql.Tx, receiptID string) (*contracts.Receipt, error) {
	q := l.store.Rebind(`SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id = ? AND receipt_id = ?`)
	r, err := scanReceipt(tx.QueryRowContext(ctx, q, l.opts.TenantID, receiptID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, api.Wrap(api.KindBackend, "lookup receipt", err)
	}
	return r, nil
}

// obligationTerminalInTx returns the receipt_id of the terminal receipt
// closing the obligation, or "" when the obligation is still open.
func (l *Ledger) obligationTerminalInTx(ctx context.Context, tx *sql.Tx, obligationID string) (string, error) {
	q := l.store.Rebind(`SELECT receipt_id FROM receipts
		WHERE tenant_id = ? AND obligation_id = ? AND phase IN ('complete', 'escalate')
		ORDER BY created_at ASC LIMIT 1`)
	var id string
	err := tx.QueryRowContext(ctx, q, l.opts.TenantID, obligationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", api.Wrap(api.KindBackend, "check obligation terminality", err)
	}
	return id, nil
}

func (l *Ledger) insertInTx(ctx context.Context, tx *sql.Tx, r *contracts.Receipt) error {
	taskRef, err := bindJSON(r.TaskRef)
	if err != nil {
		return err
	}
	planRef, err := bindJSON(r.PlanRef)
	if err != nil {
		return err
	}
	artifactRefs, err := bindJSON(r.ArtifactRefs)
	if err != nil {
		return err
	}
	body, err := json.Marshal(r.Body)
	if err != nil {
		return err
	}
	q := l.store.Rebind(`INSERT INTO receipts (` + receiptColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, q,
		r.UUID, r.ReceiptID, r.CanonicalHash, string(r.Phase), r.ObligationID, r.TaskID,
		r.CausedByReceiptID, r.CreatedBy, r.RecipientAI, r.EscalationTo,
		taskRef, planRef, artifactRefs, string(body), l.store.BindTime(*r.CreatedAt), r.TenantID,
	)
	return err
}

func (l *Ledger) insertEdgeInTx(ctx context.Context, tx *sql.Tx, r *contracts.Receipt) error {
	q := l.store.Rebind(`INSERT INTO receipt_edges (tenant_id, src_receipt_id, dst_receipt_id, relation, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, q,
		l.opts.TenantID, r.ReceiptID, r.CausedByReceiptID, edgeRelationCausedBy, l.store.BindTime(*r.CreatedAt))
	if store.IsUniqueViolation(err) {
		return nil
	}
	return err
}

// decodeReceipt round-trips the raw payload through the struct model so
// server code works with typed fields while the hash stays bound to the
// raw submission.
func decodeReceipt(payload map[string]any) (*contracts.Receipt, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var r contracts.Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	r.UUID = ""
	r.CreatedAt = nil
	r.CanonicalHash = ""
	r.TenantID = ""
	return &r, nil
}
