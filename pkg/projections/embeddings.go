package projections

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/legivellum/receiptgate/pkg/canonicalize"
	"github.com/legivellum/receiptgate/pkg/store"
)

const embeddingBatchSize = 100

// EmbeddingBuilder keeps the receipt_embeddings projection in step with the
// receipts table. A row is stale when its stored content_hash no longer
// matches the hash of the receipt's header text; stale and missing rows are
// re-embedded in batches.
type EmbeddingBuilder struct {
	store    *store.Store
	embedder Embedder
	tenantID string
	logger   *slog.Logger
}

func NewEmbeddingBuilder(st *store.Store, embedder Embedder, tenantID string, logger *slog.Logger) *EmbeddingBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingBuilder{store: st, embedder: embedder, tenantID: tenantID, logger: logger}
}

type pendingReceipt struct {
	receiptID string
	text      string
	hash      string
}

// SyncOnce embeds one batch of missing or stale receipts and reports how
// many rows it wrote. Callers loop until it returns 0.
func (b *EmbeddingBuilder) SyncOnce(ctx context.Context) (int, error) {
	pending, err := b.findPending(ctx)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, p := range pending {
		vector, err := b.embedder.Embed(ctx, p.text)
		if err != nil {
			// The breaker may be open; leave the row stale for the next
			// pass instead of failing the batch.
			b.logger.Warn("embedding skipped", "receipt_id", p.receiptID, "error", err)
			continue
		}
		if err := b.upsert(ctx, p, vector); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// RunPeriodic syncs on the given interval until ctx is canceled.
func (b *EmbeddingBuilder) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.SyncOnce(ctx)
			if err != nil {
				b.logger.Error("embedding sync failed", "error", err)
				continue
			}
			if n > 0 {
				b.logger.Info("embeddings synced", "rows", n)
			}
		}
	}
}

// scanPageSize rows are read per keyset page while hunting for missing or
// stale embeddings. Staleness needs the header hash, which only Go can
// compute, so the scan walks every row rather than trusting a fixed
// window; up-to-date rows are skipped cheaply and the cursor advances.
const scanPageSize = embeddingBatchSize * 10

func (b *EmbeddingBuilder) findPending(ctx context.Context) ([]pendingReceipt, error) {
	var pending []pendingReceipt
	var afterCreated any
	var afterID string

	for {
		query := `
			SELECT r.receipt_id, r.phase, r.obligation_id, r.task_id, r.created_by, r.recipient_ai, r.body,
			       r.created_at, e.content_hash
			FROM receipts r
			LEFT JOIN receipt_embeddings e
			  ON e.tenant_id = r.tenant_id AND e.receipt_id = r.receipt_id
			WHERE r.tenant_id = ?`
		args := []any{b.tenantID}
		if afterCreated != nil {
			query += ` AND (r.created_at > ? OR (r.created_at = ? AND r.receipt_id > ?))`
			args = append(args, afterCreated, afterCreated, afterID)
		}
		query += ` ORDER BY r.created_at ASC, r.receipt_id ASC LIMIT ?`
		args = append(args, scanPageSize)

		scanned, err := b.scanPage(ctx, query, args, &pending, &afterCreated, &afterID)
		if err != nil {
			return nil, err
		}
		if len(pending) >= embeddingBatchSize || scanned < scanPageSize {
			return pending, nil
		}
	}
}

func (b *EmbeddingBuilder) scanPage(ctx context.Context, query string, args []any, pending *[]pendingReceipt, afterCreated *any, afterID *string) (int, error) {
	rows, err := b.store.DB.QueryContext(ctx, b.store.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	scanned := 0
	for rows.Next() {
		var (
			receiptID, phase, obligationID, taskID, createdBy, recipient, body string
			createdAt                                                          any
			storedHash                                                         sql.NullString
		)
		if err := rows.Scan(&receiptID, &phase, &obligationID, &taskID, &createdBy, &recipient, &body, &createdAt, &storedHash); err != nil {
			return scanned, err
		}
		scanned++
		*afterCreated = createdAt
		*afterID = receiptID

		text := headerText(receiptID, phase, obligationID, taskID, createdBy, recipient, body)
		hash := canonicalize.HashBytes([]byte(text))
		if storedHash.Valid && storedHash.String == hash {
			continue
		}
		*pending = append(*pending, pendingReceipt{receiptID: receiptID, text: text, hash: hash})
		if len(*pending) >= embeddingBatchSize {
			break
		}
	}
	return scanned, rows.Err()
}

func (b *EmbeddingBuilder) upsert(ctx context.Context, p pendingReceipt, vector []float64) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	q := b.store.Rebind(`
		INSERT INTO receipt_embeddings (tenant_id, receipt_id, content_hash, model, dims, vector, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, receipt_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			model = excluded.model,
			dims = excluded.dims,
			vector = excluded.vector,
			updated_at = excluded.updated_at`)
	_, err = b.store.DB.ExecContext(ctx, q,
		b.tenantID, p.receiptID, p.hash, b.embedder.Model(), len(vector), string(raw),
		b.store.BindTime(time.Now().UTC()))
	return err
}

// headerText flattens the searchable header fields plus a body summary into
// the text fed to the embedder.
func headerText(receiptID, phase, obligationID, taskID, createdBy, recipient, body string) string {
	var parts []string
	add := func(label, value string) {
		if value != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", label, value))
		}
	}
	add("receipt", receiptID)
	add("phase", phase)
	add("obligation", obligationID)
	add("task", taskID)
	add("from", createdBy)
	add("to", recipient)
	var decoded map[string]any
	if err := json.Unmarshal([]byte(body), &decoded); err == nil {
		if summary, ok := decoded["summary"].(string); ok {
			add("summary", summary)
		}
	}
	return strings.Join(parts, "\n")
}
