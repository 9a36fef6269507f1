package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/legivellum/receiptgate/pkg/api"
	"github.com/legivellum/receiptgate/pkg/contracts"
	"github.com/legivellum/receiptgate/pkg/store"
)

// Page is one window of a paginated view. NextCursor is empty on the last
// page.
type Page struct {
	Receipts   []*contracts.Receipt `json:"receipts"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// GetByReceiptID fetches a receipt by its client-chosen identifier.
func (l *Ledger) GetByReceiptID(ctx context.Context, receiptID string) (*contracts.Receipt, error) {
	q := l.store.Rebind(`SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id = ? AND receipt_id = ?`)
	r, err := scanReceipt(l.store.DB.QueryRowContext(ctx, q, l.opts.TenantID, receiptID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NotFound("receipt", receiptID)
	}
	if err != nil {
		return nil, api.Wrap(api.KindBackend, "lookup receipt", err)
	}
	return r, nil
}

// GetReceipt resolves ref as a receipt_id first, then as a server-assigned
// uuid when it parses as one.
func (l *Ledger) GetReceipt(ctx context.Context, ref string) (*contracts.Receipt, error) {
	r, err := l.GetByReceiptID(ctx, ref)
	if err == nil {
		return r, nil
	}
	var ae *api.Error
	if !errors.As(err, &ae) || ae.Kind != api.KindNotFound {
		return nil, err
	}
	if _, perr := uuid.Parse(ref); perr != nil {
		return nil, err
	}
	q := l.store.Rebind(`SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id = ? AND uuid = ?`)
	r, err = scanReceipt(l.store.DB.QueryRowContext(ctx, q, l.opts.TenantID, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NotFound("receipt", ref)
	}
	if err != nil {
		return nil, api.Wrap(api.KindBackend, "lookup receipt", err)
	}
	return r, nil
}

// ListInbox returns the open work for a recipient: the latest accepted
// receipt of each obligation addressed to them, excluding obligations a
// terminal receipt has already closed. Newest first, receipt_id breaks
// timestamp ties.
func (l *Ledger) ListInbox(ctx context.Context, recipient string, limit int, cursorToken string) (*Page, error) {
	if recipient == "" {
		return nil, api.ValidationFailed("recipient_ai is required", "recipient_ai")
	}
	c, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	limit = l.clampLimit(limit)

	var b strings.Builder
	b.WriteString(`SELECT ` + receiptColumns + ` FROM receipts r
		WHERE r.tenant_id = ? AND r.recipient_ai = ? AND r.phase = 'accepted'
		AND NOT EXISTS (
			SELECT 1 FROM receipts t
			WHERE t.tenant_id = r.tenant_id AND t.obligation_id = r.obligation_id
			AND t.phase IN ('complete', 'escalate')
		)
		AND r.created_at = (
			SELECT MAX(a.created_at) FROM receipts a
			WHERE a.tenant_id = r.tenant_id AND a.obligation_id = r.obligation_id
			AND a.recipient_ai = r.recipient_ai AND a.phase = 'accepted'
		)`)
	args := []any{l.opts.TenantID, recipient}
	if c != nil {
		b.WriteString(` AND (r.created_at < ? OR (r.created_at = ? AND r.receipt_id > ?))`)
		at := l.store.BindTime(c.CreatedAt)
		args = append(args, at, at, c.ReceiptID)
	}
	b.WriteString(` ORDER BY r.created_at DESC, r.receipt_id ASC LIMIT ?`)
	args = append(args, limit+1)

	return l.queryPage(ctx, b.String(), args, limit)
}

// ListTaskReceipts returns every receipt carrying the task_id, oldest
// first, so a task's history reads top to bottom.
func (l *Ledger) ListTaskReceipts(ctx context.Context, taskID string, limit int, cursorToken string) (*Page, error) {
	if taskID == "" {
		return nil, api.ValidationFailed("task_id is required", "task_id")
	}
	c, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	limit = l.clampLimit(limit)

	var b strings.Builder
	b.WriteString(`SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id = ? AND task_id = ?`)
	args := []any{l.opts.TenantID, taskID}
	if c != nil {
		b.WriteString(` AND (created_at > ? OR (created_at = ? AND receipt_id > ?))`)
		at := l.store.BindTime(c.CreatedAt)
		args = append(args, at, at, c.ReceiptID)
	}
	b.WriteString(` ORDER BY created_at ASC, receipt_id ASC LIMIT ?`)
	args = append(args, limit+1)

	return l.queryPage(ctx, b.String(), args, limit)
}

// SearchQuery filters header search. All set fields are ANDed. The time
// window is half-open: Since inclusive, Until exclusive.
type SearchQuery struct {
	ObligationID      string
	TaskID            string
	RecipientAI       string
	CreatedBy         string
	Phase             string
	ReceiptIDContains string
	Since             *time.Time
	Until             *time.Time
	Limit             int
	Cursor            string
}

// SearchReceipts scans receipt headers with the given filters, newest
// first.
func (l *Ledger) SearchReceipts(ctx context.Context, query SearchQuery) (*Page, error) {
	if query.Phase != "" && !contracts.Phase(query.Phase).Valid() {
		return nil, api.ValidationFailed("phase filter must be accepted, complete or escalate", "phase")
	}
	c, err := decodeCursor(query.Cursor)
	if err != nil {
		return nil, err
	}
	limit := l.clampLimit(query.Limit)

	var b strings.Builder
	b.WriteString(`SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id = ?`)
	args := []any{l.opts.TenantID}

	for _, f := range []struct {
		column, value string
	}{
		{"obligation_id", query.ObligationID},
		{"task_id", query.TaskID},
		{"recipient_ai", query.RecipientAI},
		{"created_by", query.CreatedBy},
		{"phase", query.Phase},
	} {
		if f.value != "" {
			b.WriteString(` AND ` + f.column + ` = ?`)
			args = append(args, f.value)
		}
	}
	if query.ReceiptIDContains != "" {
		b.WriteString(` AND receipt_id LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(query.ReceiptIDContains)+"%")
	}
	if query.Since != nil {
		b.WriteString(` AND created_at >= ?`)
		args = append(args, l.store.BindTime(*query.Since))
	}
	if query.Until != nil {
		b.WriteString(` AND created_at < ?`)
		args = append(args, l.store.BindTime(*query.Until))
	}
	if c != nil {
		b.WriteString(` AND (created_at < ? OR (created_at = ? AND receipt_id > ?))`)
		at := l.store.BindTime(c.CreatedAt)
		args = append(args, at, at, c.ReceiptID)
	}
	b.WriteString(` ORDER BY created_at DESC, receipt_id ASC LIMIT ?`)
	args = append(args, limit+1)

	return l.queryPage(ctx, b.String(), args, limit)
}

// queryPage runs a limit+1 query and folds the overflow row into a
// next-page cursor.
func (l *Ledger) queryPage(ctx context.Context, query string, args []any, limit int) (*Page, error) {
	var rows *sql.Rows
	err := store.Retry(ctx, func() error {
		var qerr error
		rows, qerr = l.store.DB.QueryContext(ctx, l.store.Rebind(query), args...)
		return qerr
	})
	if err != nil {
		return nil, api.Wrap(api.KindBackend, "query receipts", err)
	}
	defer func() { _ = rows.Close() }()

	receipts := make([]*contracts.Receipt, 0, limit)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, api.Wrap(api.KindBackend, "scan receipt", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, api.Wrap(api.KindBackend, "iterate receipts", err)
	}

	page := &Page{Receipts: receipts}
	if len(receipts) > limit {
		page.Receipts = receipts[:limit]
		last := page.Receipts[limit-1]
		if last.CreatedAt != nil {
			page.NextCursor = encodeCursor(*last.CreatedAt, last.ReceiptID)
		}
	}
	return page, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
