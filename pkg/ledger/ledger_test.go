package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legivellum/receiptgate/pkg/api"
	"github.com/legivellum/receiptgate/pkg/contracts"
	"github.com/legivellum/receiptgate/pkg/store"
	"github.com/legivellum/receiptgate/pkg/validation"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := store.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestLedger(t *testing.T, opts Options) *Ledger {
	t.Helper()
	st := newTestStore(t)
	v, err := validation.New(262144)
	require.NoError(t, err)
	if opts.TenantID == "" {
		opts.TenantID = "default"
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, v, opts, logger)
}

// useTickingClock pins the ledger clock to strictly increasing
// nanosecond steps so ordering assertions are deterministic.
func useTickingClock(t *testing.T) {
	t.Helper()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	prev := now
	now = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
	}
	t.Cleanup(func() { now = prev })
}

func accepted(receiptID, obligationID, recipient string) map[string]any {
	return map[string]any{
		"receipt_id":    receiptID,
		"phase":         "accepted",
		"obligation_id": obligationID,
		"created_by":    "agent:dispatcher",
		"recipient_ai":  recipient,
		"body":          map[string]any{"summary": "work for " + recipient},
	}
}

func complete(receiptID, obligationID, causedBy, creator string) map[string]any {
	return map[string]any{
		"receipt_id":           receiptID,
		"phase":                "complete",
		"obligation_id":        obligationID,
		"caused_by_receipt_id": causedBy,
		"created_by":           creator,
		"recipient_ai":         "agent:dispatcher",
		"body": map[string]any{
			"result": map[string]any{"status": "ok"},
		},
	}
}

func escalate(receiptID, obligationID, causedBy, to string) map[string]any {
	return map[string]any{
		"receipt_id":           receiptID,
		"phase":                "escalate",
		"obligation_id":        obligationID,
		"caused_by_receipt_id": causedBy,
		"created_by":           "agent:worker",
		"recipient_ai":         to,
		"escalation_to":        to,
		"body": map[string]any{
			"escalation": map[string]any{"reason": "cannot proceed"},
		},
	}
}

func rowCount(t *testing.T, l *Ledger) int {
	t.Helper()
	var n int
	err := l.store.DB.QueryRow(`SELECT COUNT(*) FROM receipts`).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestGoldenPath(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{GraphEnabled: true})
	ctx := context.Background()

	r1, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	assert.False(t, r1.Replayed)
	assert.NotEmpty(t, r1.Receipt.UUID)
	assert.NotEmpty(t, r1.Receipt.CanonicalHash)
	assert.NotNil(t, r1.Receipt.CreatedAt)

	inbox, err := l.ListInbox(ctx, "alice", 0, "")
	require.NoError(t, err)
	require.Len(t, inbox.Receipts, 1)
	assert.Equal(t, "r1", inbox.Receipts[0].ReceiptID)

	_, err = l.Append(ctx, complete("r2", "o1", "r1", "agent:alice"))
	require.NoError(t, err)

	inbox, err = l.ListInbox(ctx, "alice", 0, "")
	require.NoError(t, err)
	assert.Empty(t, inbox.Receipts)

	chain, err := l.GetReceiptChain(ctx, "r2", ChainAncestors, 0)
	require.NoError(t, err)
	assert.Equal(t, "r2", chain.Root.ReceiptID)
	require.Len(t, chain.Ancestors, 1)
	assert.Equal(t, "r1", chain.Ancestors[0].Receipt.ReceiptID)
}

func TestIdempotentReplay(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	first, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)

	second, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Receipt.UUID, second.Receipt.UUID)
	assert.Equal(t, first.Receipt.CanonicalHash, second.Receipt.CanonicalHash)
	assert.Equal(t, 1, rowCount(t, l))
}

func TestReplayOfTerminalReceipt(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	_, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	_, err = l.Append(ctx, complete("r2", "o1", "r1", "agent:alice"))
	require.NoError(t, err)

	// Replaying the terminal receipt is still idempotent, not
	// AlreadyTerminated.
	res, err := l.Append(ctx, complete("r2", "o1", "r1", "agent:alice"))
	require.NoError(t, err)
	assert.True(t, res.Replayed)
}

func TestConflictDoesNotMutate(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	first, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)

	divergent := accepted("r1", "o1", "alice")
	divergent["body"] = map[string]any{"summary": "work for alice!"}
	_, err = l.Append(ctx, divergent)
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindReceiptConflict))

	stored, err := l.GetByReceiptID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, first.Receipt.CanonicalHash, stored.CanonicalHash)
	assert.Equal(t, 1, rowCount(t, l))
}

func TestRoutingInvariantRejected(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	_, err := l.Append(ctx, accepted("r1", "o1", "bob"))
	require.NoError(t, err)

	bad := escalate("r2", "o1", "r1", "carol")
	bad["recipient_ai"] = "bob"
	_, err = l.Append(ctx, bad)
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindValidationFailed))
}

func TestDoubleTerminate(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	_, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	_, err = l.Append(ctx, complete("r2", "o1", "r1", "agent:alice"))
	require.NoError(t, err)

	_, err = l.Append(ctx, escalate("r3", "o1", "r1", "carol"))
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindAlreadyTerminated))
}

func TestAcceptAfterTerminateRejected(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	_, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	_, err = l.Append(ctx, complete("r2", "o1", "r1", "agent:alice"))
	require.NoError(t, err)

	_, err = l.Append(ctx, accepted("r3", "o1", "alice"))
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindAlreadyTerminated))
}

func TestParentChecks(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	_, err := l.Append(ctx, complete("r2", "o1", "r-missing", "agent:alice"))
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindParentMissing))

	_, err = l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	_, err = l.Append(ctx, complete("r2", "o1", "r1", "agent:alice"))
	require.NoError(t, err)

	// Parent in a terminal phase cannot cause a new receipt.
	_, err = l.Append(ctx, complete("r3", "o1", "r2", "agent:alice"))
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindParentNotAcceptedPhase))
}

func TestParentMustShareObligation(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	_, err := l.Append(ctx, accepted("p1", "o1", "alice"))
	require.NoError(t, err)

	// A terminal receipt cannot close an obligation it never opened by
	// borrowing an accepted parent from another obligation.
	_, err = l.Append(ctx, complete("c1", "o2", "p1", "agent:alice"))
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindParentMissing))
	assert.Equal(t, 1, rowCount(t, l))

	_, err = l.Append(ctx, escalate("e1", "o2", "p1", "agent:supervisor"))
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindParentMissing))

	// Obligation o2 was never closed by the rejected receipts.
	_, err = l.Append(ctx, accepted("a2", "o2", "bob"))
	require.NoError(t, err)
}

func TestHeaderSearch(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		p := accepted(fmt.Sprintf("ra%d", i), fmt.Sprintf("oa%d", i), "alice")
		if i <= 3 {
			p["task_id"] = "T1"
		} else {
			p["task_id"] = "T2"
		}
		_, err := l.Append(ctx, p)
		require.NoError(t, err)
	}
	for i := 1; i <= 3; i++ {
		p := accepted(fmt.Sprintf("rb%d", i), fmt.Sprintf("ob%d", i), "bob")
		p["task_id"] = "T1"
		_, err := l.Append(ctx, p)
		require.NoError(t, err)
	}

	page, err := l.SearchReceipts(ctx, SearchQuery{RecipientAI: "alice", TaskID: "T1"})
	require.NoError(t, err)
	require.Len(t, page.Receipts, 3)
	for i, r := range page.Receipts {
		assert.Equal(t, "alice", r.RecipientAI)
		assert.Equal(t, "T1", r.TaskID)
		if i > 0 {
			assert.False(t, r.CreatedAt.After(*page.Receipts[i-1].CreatedAt), "descending order")
		}
	}

	page, err = l.SearchReceipts(ctx, SearchQuery{ReceiptIDContains: "rb"})
	require.NoError(t, err)
	assert.Len(t, page.Receipts, 3)

	phase := "accepted"
	page, err = l.SearchReceipts(ctx, SearchQuery{Phase: phase, RecipientAI: "bob"})
	require.NoError(t, err)
	assert.Len(t, page.Receipts, 3)

	_, err = l.SearchReceipts(ctx, SearchQuery{Phase: "cancelled"})
	require.Error(t, err)
}

func TestSearchTimeWindowHalfOpen(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	_, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	r2, err := l.Append(ctx, accepted("r2", "o2", "alice"))
	require.NoError(t, err)
	_, err = l.Append(ctx, accepted("r3", "o3", "alice"))
	require.NoError(t, err)

	boundary := *r2.Receipt.CreatedAt
	page, err := l.SearchReceipts(ctx, SearchQuery{Since: &boundary})
	require.NoError(t, err)
	assert.Len(t, page.Receipts, 2, "since is inclusive")

	page, err = l.SearchReceipts(ctx, SearchQuery{Until: &boundary})
	require.NoError(t, err)
	assert.Len(t, page.Receipts, 1, "until is exclusive")
}

func TestInboxDedupAndLatestAccepted(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	_, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	// Second accepted on the same obligation supersedes the first in the
	// inbox view.
	p := accepted("r1b", "o1", "alice")
	p["body"] = map[string]any{"summary": "revised scope"}
	_, err = l.Append(ctx, p)
	require.NoError(t, err)

	inbox, err := l.ListInbox(ctx, "alice", 0, "")
	require.NoError(t, err)
	require.Len(t, inbox.Receipts, 1)
	assert.Equal(t, "r1b", inbox.Receipts[0].ReceiptID)
}

func TestInboxPagination(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := l.Append(ctx, accepted(fmt.Sprintf("r%d", i), fmt.Sprintf("o%d", i), "alice"))
		require.NoError(t, err)
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := l.ListInbox(ctx, "alice", 3, cursor)
		require.NoError(t, err)
		for _, r := range page.Receipts {
			seen = append(seen, r.ReceiptID)
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 7)
	uniq := map[string]bool{}
	for _, id := range seen {
		assert.False(t, uniq[id], "no receipt repeats across pages")
		uniq[id] = true
	}
}

func TestBadCursorRejected(t *testing.T) {
	l := newTestLedger(t, Options{})
	_, err := l.ListInbox(context.Background(), "alice", 0, "not-base64!!")
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindValidationFailed))
}

func TestListTaskReceiptsAscending(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		p := accepted(fmt.Sprintf("r%d", i), fmt.Sprintf("o%d", i), "alice")
		p["task_id"] = "T1"
		_, err := l.Append(ctx, p)
		require.NoError(t, err)
	}

	page, err := l.ListTaskReceipts(ctx, "T1", 0, "")
	require.NoError(t, err)
	require.Len(t, page.Receipts, 4)
	for i := 1; i < len(page.Receipts); i++ {
		assert.True(t, page.Receipts[i].CreatedAt.After(*page.Receipts[i-1].CreatedAt))
	}
}

func TestGetReceiptByUUID(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	res, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)

	byUUID, err := l.GetReceipt(ctx, res.Receipt.UUID)
	require.NoError(t, err)
	assert.Equal(t, "r1", byUUID.ReceiptID)

	_, err = l.GetReceipt(ctx, "no-such-receipt")
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindNotFound))
}

func TestChainDescendantsAndDepth(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{GraphEnabled: true})
	ctx := context.Background()

	_, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	_, err = l.Append(ctx, escalate("r2", "o1", "r1", "carol"))
	require.NoError(t, err)
	_, err = l.Append(ctx, accepted("r3", "o2", "carol"))
	require.NoError(t, err)

	chain, err := l.GetReceiptChain(ctx, "r1", ChainDescendants, 0)
	require.NoError(t, err)
	require.Len(t, chain.Descendants, 1)
	assert.Equal(t, "r2", chain.Descendants[0].Receipt.ReceiptID)
	assert.Equal(t, 1, chain.Descendants[0].Depth)

	// Walking up from the leaf annotates each ancestor with its distance.
	chain, err = l.GetReceiptChain(ctx, "r2", ChainAncestors, 0)
	require.NoError(t, err)
	require.Len(t, chain.Ancestors, 1)
	assert.Equal(t, "r1", chain.Ancestors[0].Receipt.ReceiptID)
	assert.Equal(t, 1, chain.Ancestors[0].Depth)

	// Depth 1 covers the direct child only.
	chain, err = l.GetReceiptChain(ctx, "r1", ChainBoth, 1)
	require.NoError(t, err)
	assert.Len(t, chain.Descendants, 1)

	_, err = l.GetReceiptChain(ctx, "r1", "sideways", 0)
	require.Error(t, err)
}

func TestChainDepthsAcrossLevels(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{GraphEnabled: true})
	ctx := context.Background()

	_, err := l.Append(ctx, accepted("a1", "o1", "alice"))
	require.NoError(t, err)
	_, err = l.Append(ctx, escalate("e1", "o1", "a1", "carol"))
	require.NoError(t, err)
	_, err = l.Append(ctx, accepted("a2", "o2", "carol"))
	require.NoError(t, err)
	_, err = l.Append(ctx, complete("c2", "o2", "a2", "carol"))
	require.NoError(t, err)

	// Link the follow-up obligation under the escalation so the walk
	// spans more than one level.
	_, err = l.store.DB.Exec(
		`INSERT INTO receipt_edges (tenant_id, src_receipt_id, dst_receipt_id, relation, created_at)
		 VALUES ('default', 'a2', 'e1', 'caused_by', '2026-08-24T10:00:05.000000000Z')`)
	require.NoError(t, err)

	chain, err := l.GetReceiptChain(ctx, "a1", ChainDescendants, 0)
	require.NoError(t, err)
	require.Len(t, chain.Descendants, 3)

	depths := map[string]int{}
	for _, e := range chain.Descendants {
		depths[e.Receipt.ReceiptID] = e.Depth
	}
	assert.Equal(t, 1, depths["e1"])
	assert.Equal(t, 2, depths["a2"])
	assert.Equal(t, 3, depths["c2"])

	// Breadth-first order keeps depths non-decreasing.
	for i := 1; i < len(chain.Descendants); i++ {
		assert.GreaterOrEqual(t, chain.Descendants[i].Depth, chain.Descendants[i-1].Depth)
	}
}

func TestChainTerminatesUnderSyntheticCycle(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{GraphEnabled: true})
	ctx := context.Background()

	_, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	_, err = l.Append(ctx, escalate("r2", "o1", "r1", "carol"))
	require.NoError(t, err)

	// Inject a cycle directly into the edge projection.
	_, err = l.store.DB.Exec(
		`INSERT INTO receipt_edges (tenant_id, src_receipt_id, dst_receipt_id, relation, created_at)
		 VALUES ('default', 'r1', 'r2', 'caused_by', '2026-08-24T10:00:00.000000000Z')`)
	require.NoError(t, err)

	chain, err := l.GetReceiptChain(ctx, "r1", ChainBoth, 0)
	require.NoError(t, err)
	assert.True(t, chain.Truncated)
}

func TestStats(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{GraphEnabled: true})
	ctx := context.Background()

	_, err := l.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	_, err = l.Append(ctx, complete("r2", "o1", "r1", "agent:alice"))
	require.NoError(t, err)
	_, err = l.Append(ctx, accepted("r3", "o2", "bob"))
	require.NoError(t, err)

	stats, err := l.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalReceipts)
	assert.Equal(t, int64(2), stats.ByPhase["accepted"])
	assert.Equal(t, int64(1), stats.ByPhase["complete"])
	assert.Equal(t, int64(2), stats.TotalObligations)
	assert.Equal(t, int64(1), stats.OpenObligations)
	assert.Equal(t, int64(1), stats.ClosedObligations)
	assert.Equal(t, int64(1), stats.GraphEdges)
	assert.Equal(t, "sqlite", stats.Backend)
	require.Len(t, stats.TopRecipients, 3)
	var total int64
	for _, rc := range stats.TopRecipients {
		total += rc.Receipts
	}
	assert.Equal(t, int64(3), total)
	require.NotNil(t, stats.OldestReceiptAt)
	require.NotNil(t, stats.NewestReceiptAt)
	assert.True(t, stats.NewestReceiptAt.After(*stats.OldestReceiptAt))
}

func TestStoredReceiptRoundTrip(t *testing.T) {
	useTickingClock(t)
	l := newTestLedger(t, Options{})
	ctx := context.Background()

	payload := accepted("r1", "o1", "alice")
	payload["task_id"] = "T9"
	payload["task_ref"] = map[string]any{"task_id": "T9", "queue": "default", "lease_seconds": 600}
	payload["plan_ref"] = map[string]any{"plan_id": "plan:7", "plan_hash": "abc123"}
	payload["body"] = map[string]any{
		"summary": "full fidelity",
		"inputs":  map[string]any{"dataset": "d:1"},
		"extra":   "preserved verbatim",
	}

	_, err := l.Append(ctx, payload)
	require.NoError(t, err)

	r, err := l.GetByReceiptID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, contracts.PhaseAccepted, r.Phase)
	require.NotNil(t, r.TaskRef)
	assert.Equal(t, "T9", r.TaskRef.TaskID)
	assert.Equal(t, 600, r.TaskRef.LeaseSeconds)
	require.NotNil(t, r.PlanRef)
	assert.Equal(t, "plan:7", r.PlanRef.PlanID)
	assert.Equal(t, "preserved verbatim", r.Body["extra"])
	assert.Equal(t, "default", r.TenantID)
}

func TestTenantIsolation(t *testing.T) {
	useTickingClock(t)
	st := newTestStore(t)
	v, err := validation.New(262144)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tenantA := New(st, v, Options{TenantID: "tenant-a"}, logger)
	tenantB := New(st, v, Options{TenantID: "tenant-b"}, logger)
	ctx := context.Background()

	_, err = tenantA.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)

	_, err = tenantB.GetByReceiptID(ctx, "r1")
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindNotFound))

	// Same receipt_id in another tenant is a fresh receipt, not a replay.
	res, err := tenantB.Append(ctx, accepted("r1", "o1", "alice"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}
