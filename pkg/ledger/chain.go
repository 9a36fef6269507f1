package ledger

import (
	"context"

	"github.com/legivellum/receiptgate/pkg/api"
	"github.com/legivellum/receiptgate/pkg/contracts"
)

const edgeRelationCausedBy = "caused_by"

// ChainDirection selects which side of the causal graph to walk.
type ChainDirection string

const (
	ChainAncestors   ChainDirection = "ancestors"
	ChainDescendants ChainDirection = "descendants"
	ChainBoth        ChainDirection = "both"
)

// ChainEntry pairs a receipt with its distance from the walk's root:
// depth 1 is a direct parent or child.
type ChainEntry struct {
	Receipt *contracts.Receipt `json:"receipt"`
	Depth   int                `json:"depth"`
}

// Chain is the causal neighborhood of a receipt. Ancestors run nearest
// parent first; descendants are breadth-first from the root, so entries
// within each list carry non-decreasing depths. Truncated is set when the
// depth bound stopped the walk early.
type Chain struct {
	Root        *contracts.Receipt `json:"root"`
	Ancestors   []ChainEntry       `json:"ancestors"`
	Descendants []ChainEntry       `json:"descendants"`
	Truncated   bool               `json:"truncated,omitempty"`
}

// GetReceiptChain walks the caused_by graph from receiptID. Traversal is
// bounded by maxDepth (0 means the configured default) and keeps a visited
// set, so it terminates even over damaged data.
func (l *Ledger) GetReceiptChain(ctx context.Context, receiptID string, direction ChainDirection, maxDepth int) (*Chain, error) {
	switch direction {
	case "":
		direction = ChainBoth
	case ChainAncestors, ChainDescendants, ChainBoth:
	default:
		return nil, api.ValidationFailed("direction must be ancestors, descendants or both", "direction")
	}
	if maxDepth <= 0 {
		maxDepth = l.opts.DefaultChainDepth
	}
	if maxDepth > l.opts.MaxChainDepth {
		maxDepth = l.opts.MaxChainDepth
	}

	root, err := l.GetByReceiptID(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	chain := &Chain{Root: root, Ancestors: []ChainEntry{}, Descendants: []ChainEntry{}}
	visited := map[string]bool{root.ReceiptID: true}

	if direction == ChainAncestors || direction == ChainBoth {
		if err := l.walkAncestors(ctx, root, maxDepth, visited, chain); err != nil {
			return nil, err
		}
	}
	if direction == ChainDescendants || direction == ChainBoth {
		if err := l.walkDescendants(ctx, root, maxDepth, visited, chain); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

func (l *Ledger) walkAncestors(ctx context.Context, root *contracts.Receipt, maxDepth int, visited map[string]bool, chain *Chain) error {
	current := root
	for depth := 0; current.CausedByReceiptID != ""; depth++ {
		if depth >= maxDepth {
			chain.Truncated = true
			return nil
		}
		if visited[current.CausedByReceiptID] {
			chain.Truncated = true
			return nil
		}
		parent, err := l.GetByReceiptID(ctx, current.CausedByReceiptID)
		if err != nil {
			if api.IsKind(err, api.KindNotFound) {
				// Dangling parent reference: stop the walk rather than
				// fail the whole chain read.
				chain.Truncated = true
				return nil
			}
			return err
		}
		visited[parent.ReceiptID] = true
		chain.Ancestors = append(chain.Ancestors, ChainEntry{Receipt: parent, Depth: depth + 1})
		current = parent
	}
	return nil
}

func (l *Ledger) walkDescendants(ctx context.Context, root *contracts.Receipt, maxDepth int, visited map[string]bool, chain *Chain) error {
	frontier := []string{root.ReceiptID}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= maxDepth {
			chain.Truncated = true
			return nil
		}
		var next []string
		for _, id := range frontier {
			children, err := l.childrenOf(ctx, id)
			if err != nil {
				return err
			}
			for _, child := range children {
				if visited[child.ReceiptID] {
					chain.Truncated = true
					continue
				}
				visited[child.ReceiptID] = true
				chain.Descendants = append(chain.Descendants, ChainEntry{Receipt: child, Depth: depth + 1})
				next = append(next, child.ReceiptID)
			}
		}
		frontier = next
	}
	return nil
}

// childrenOf finds direct causal children. With the graph projection on,
// the edges table answers the fan-out query; otherwise the caused_by
// column index does.
func (l *Ledger) childrenOf(ctx context.Context, receiptID string) ([]*contracts.Receipt, error) {
	var q string
	var args []any
	if l.opts.GraphEnabled {
		q = `SELECT ` + receiptColumns + ` FROM receipts
			WHERE tenant_id = ? AND receipt_id IN (
				SELECT src_receipt_id FROM receipt_edges
				WHERE tenant_id = ? AND dst_receipt_id = ? AND relation = '` + edgeRelationCausedBy + `'
			)
			ORDER BY created_at ASC, receipt_id ASC`
		args = []any{l.opts.TenantID, l.opts.TenantID, receiptID}
	} else {
		q = `SELECT ` + receiptColumns + ` FROM receipts
			WHERE tenant_id = ? AND caused_by_receipt_id = ?
			ORDER BY created_at ASC, receipt_id ASC`
		args = []any{l.opts.TenantID, receiptID}
	}
	rows, err := l.store.DB.QueryContext(ctx, l.store.Rebind(q), args...)
	if err != nil {
		return nil, api.Wrap(api.KindBackend, "query children", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, api.Wrap(api.KindBackend, "scan child receipt", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, api.Wrap(api.KindBackend, "iterate children", err)
	}
	return out, nil
}
