// Package projections maintains the derived tables next to the receipts
// ledger: the caused_by edge graph and the header embedding index. Both are
// rebuildable from the receipts table at any time; neither is a source of
// truth.
package projections

import (
	"context"
	"log/slog"
	"time"

	"github.com/legivellum/receiptgate/pkg/store"
)

// GraphBuilder rebuilds the receipt_edges projection from the receipts
// table. The online append path keeps edges current; the builder exists for
// backfill after enabling the graph layer and for repair.
type GraphBuilder struct {
	store    *store.Store
	tenantID string
	logger   *slog.Logger
}

func NewGraphBuilder(st *store.Store, tenantID string, logger *slog.Logger) *GraphBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphBuilder{store: st, tenantID: tenantID, logger: logger}
}

// Rebuild drops and reconstructs every caused_by edge for the tenant. The
// whole rebuild runs in one transaction so readers never observe a
// half-built graph.
func (g *GraphBuilder) Rebuild(ctx context.Context) (int64, error) {
	tx, err := g.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		g.store.Rebind(`DELETE FROM receipt_edges WHERE tenant_id = ?`), g.tenantID); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, g.store.Rebind(`
		INSERT INTO receipt_edges (tenant_id, src_receipt_id, dst_receipt_id, relation, created_at)
		SELECT tenant_id, receipt_id, caused_by_receipt_id, 'caused_by', created_at
		FROM receipts
		WHERE tenant_id = ? AND caused_by_receipt_id != ''`), g.tenantID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	n, _ := res.RowsAffected()
	g.logger.Info("receipt graph rebuilt", "edges", n)
	return n, nil
}

// RunPeriodic rebuilds on the given interval until ctx is canceled. Used
// when the append path cannot be trusted to keep edges current, e.g. after
// restoring a database from backup.
func (g *GraphBuilder) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Rebuild(ctx); err != nil {
				g.logger.Error("receipt graph rebuild failed", "error", err)
			}
		}
	}
}
