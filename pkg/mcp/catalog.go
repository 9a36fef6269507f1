package mcp

// Tool describes one entry in the tools/list catalog.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func obj(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

// catalog is the full tool set in the order tools/list returns it.
var catalog = []Tool{
	{
		Name:        "receiptgate.submit_receipt",
		Description: "Append a receipt to the ledger. Re-submitting identical content is an idempotent replay; same receipt_id with different content is a conflict.",
		InputSchema: obj(map[string]any{
			"receipt": map[string]any{"type": "object", "description": "Receipt payload per the v1 schema"},
		}, "receipt"),
	},
	{
		Name:        "receiptgate.get_receipt",
		Description: "Fetch one receipt by receipt_id or server-assigned uuid.",
		InputSchema: obj(map[string]any{
			"receipt_id": str("Client-chosen receipt identifier"),
			"uuid":       str("Server-assigned uuid"),
		}),
	},
	{
		Name:        "receiptgate.get_receipt_chain",
		Description: "Walk the caused_by graph from a receipt: ancestors, descendants or both.",
		InputSchema: obj(map[string]any{
			"receipt_id": str("Root of the walk"),
			"direction": map[string]any{
				"type": "string", "enum": []string{"ancestors", "descendants", "both"},
				"description": "Which side of the graph to walk (default both)",
			},
			"max_depth": integer("Traversal depth bound"),
		}, "receipt_id"),
	},
	{
		Name:        "receiptgate.list_inbox",
		Description: "Open obligations addressed to a recipient: latest accepted receipt per obligation, terminated obligations excluded.",
		InputSchema: obj(map[string]any{
			"recipient_ai": str("Recipient identity"),
			"limit":        integer("Page size"),
			"cursor":       str("Opaque pagination cursor from a previous page"),
		}, "recipient_ai"),
	},
	{
		Name:        "receiptgate.list_task_receipts",
		Description: "All receipts carrying a task_id, oldest first.",
		InputSchema: obj(map[string]any{
			"task_id": str("Task identifier"),
			"limit":   integer("Page size"),
			"cursor":  str("Opaque pagination cursor from a previous page"),
		}, "task_id"),
	},
	{
		Name:        "receiptgate.search_receipts",
		Description: "Filter receipt headers. All supplied filters are ANDed; the time window is [since, until).",
		InputSchema: obj(map[string]any{
			"obligation_id":       str("Exact obligation match"),
			"task_id":             str("Exact task match"),
			"recipient_ai":        str("Exact recipient match"),
			"created_by":          str("Exact creator match"),
			"phase":               str("accepted, complete or escalate"),
			"receipt_id_contains": str("Substring match on receipt_id"),
			"since":               str("RFC 3339 lower bound, inclusive"),
			"until":               str("RFC 3339 upper bound, exclusive"),
			"limit":               integer("Page size"),
			"cursor":              str("Opaque pagination cursor from a previous page"),
		}),
	},
	{
		Name:        "receiptgate.health",
		Description: "Service liveness including database reachability.",
		InputSchema: obj(map[string]any{}),
	},
	{
		Name:        "receiptgate.stats",
		Description: "Ledger roll-up: receipt counts by phase, obligation state, projection sizes.",
		InputSchema: obj(map[string]any{}),
	},
	{
		Name:        "receiptgate.bootstrap",
		Description: "Session primer for an agent: tenant, server capabilities and the agent's current inbox.",
		InputSchema: obj(map[string]any{
			"agent_name": str("Identity the agent will act as"),
			"session_id": str("Client session identifier, echoed back"),
		}, "agent_name"),
	},
}

// Catalog returns the tool descriptors for tools/list.
func Catalog() []Tool {
	out := make([]Tool, len(catalog))
	copy(out, catalog)
	return out
}
