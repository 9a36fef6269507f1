package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/legivellum/receiptgate/pkg/api"
	"github.com/legivellum/receiptgate/pkg/store"
)

// Stats is an operator snapshot of the ledger.
type Stats struct {
	TotalReceipts      int64            `json:"total_receipts"`
	ByPhase            map[string]int64 `json:"by_phase"`
	TotalObligations   int64            `json:"total_obligations"`
	OpenObligations    int64            `json:"open_obligations"`
	ClosedObligations  int64            `json:"closed_obligations"`
	DistinctRecipients int64            `json:"distinct_recipients"`
	TopRecipients      []RecipientCount `json:"top_recipients"`
	OldestReceiptAt    *time.Time       `json:"oldest_receipt_at,omitempty"`
	NewestReceiptAt    *time.Time       `json:"newest_receipt_at,omitempty"`
	GraphEdges         int64            `json:"graph_edges"`
	EmbeddingsIndexed  int64            `json:"embeddings_indexed"`
	Backend            string           `json:"backend"`
	MigrationVersion   int64            `json:"migration_version"`
}

// RecipientCount is one row of the top-recipients roll-up.
type RecipientCount struct {
	RecipientAI string `json:"recipient_ai"`
	Receipts    int64  `json:"receipts"`
}

const topRecipientsLimit = 10

// GetStats aggregates ledger counters for the stats tool.
func (l *Ledger) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		ByPhase: map[string]int64{},
		Backend: string(l.store.Dialect),
	}

	if err := l.countRow(ctx, `SELECT COUNT(*) FROM receipts WHERE tenant_id = ?`, &s.TotalReceipts); err != nil {
		return nil, err
	}

	rows, err := l.store.DB.QueryContext(ctx,
		l.store.Rebind(`SELECT phase, COUNT(*) FROM receipts WHERE tenant_id = ? GROUP BY phase`),
		l.opts.TenantID)
	if err != nil {
		return nil, api.Wrap(api.KindBackend, "count phases", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var phase string
		var n int64
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, api.Wrap(api.KindBackend, "scan phase count", err)
		}
		s.ByPhase[phase] = n
	}
	if err := rows.Err(); err != nil {
		return nil, api.Wrap(api.KindBackend, "iterate phase counts", err)
	}

	if err := l.countRow(ctx,
		`SELECT COUNT(DISTINCT obligation_id) FROM receipts WHERE tenant_id = ?`, &s.TotalObligations); err != nil {
		return nil, err
	}
	if err := l.countRow(ctx,
		`SELECT COUNT(DISTINCT obligation_id) FROM receipts WHERE tenant_id = ? AND phase IN ('complete', 'escalate')`,
		&s.ClosedObligations); err != nil {
		return nil, err
	}
	s.OpenObligations = s.TotalObligations - s.ClosedObligations

	if err := l.countRow(ctx,
		`SELECT COUNT(DISTINCT recipient_ai) FROM receipts WHERE tenant_id = ?`, &s.DistinctRecipients); err != nil {
		return nil, err
	}

	top, err := l.store.DB.QueryContext(ctx,
		l.store.Rebind(`SELECT recipient_ai, COUNT(*) AS n FROM receipts
			WHERE tenant_id = ?
			GROUP BY recipient_ai
			ORDER BY n DESC, recipient_ai ASC
			LIMIT ?`),
		l.opts.TenantID, topRecipientsLimit)
	if err != nil {
		return nil, api.Wrap(api.KindBackend, "top recipients", err)
	}
	defer func() { _ = top.Close() }()
	s.TopRecipients = make([]RecipientCount, 0, topRecipientsLimit)
	for top.Next() {
		var rc RecipientCount
		if err := top.Scan(&rc.RecipientAI, &rc.Receipts); err != nil {
			return nil, api.Wrap(api.KindBackend, "scan top recipient", err)
		}
		s.TopRecipients = append(s.TopRecipients, rc)
	}
	if err := top.Err(); err != nil {
		return nil, api.Wrap(api.KindBackend, "iterate top recipients", err)
	}

	var oldest, newest any
	err = l.store.DB.QueryRowContext(ctx,
		l.store.Rebind(`SELECT MIN(created_at), MAX(created_at) FROM receipts WHERE tenant_id = ?`),
		l.opts.TenantID).Scan(&oldest, &newest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, api.Wrap(api.KindBackend, "receipt time range", err)
	}
	if t, err := store.ScanTime(oldest); err == nil && !t.IsZero() {
		s.OldestReceiptAt = &t
	}
	if t, err := store.ScanTime(newest); err == nil && !t.IsZero() {
		s.NewestReceiptAt = &t
	}

	if err := l.countRow(ctx, `SELECT COUNT(*) FROM receipt_edges WHERE tenant_id = ?`, &s.GraphEdges); err != nil {
		return nil, err
	}
	if err := l.countRow(ctx, `SELECT COUNT(*) FROM receipt_embeddings WHERE tenant_id = ?`, &s.EmbeddingsIndexed); err != nil {
		return nil, err
	}

	if v, err := l.store.MigrationVersion(ctx); err == nil {
		s.MigrationVersion = v
	}
	return s, nil
}

func (l *Ledger) countRow(ctx context.Context, query string, dest *int64) error {
	err := l.store.DB.QueryRowContext(ctx, l.store.Rebind(query), l.opts.TenantID).Scan(dest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return api.Wrap(api.KindBackend, "count receipts", err)
	}
	return nil
}
