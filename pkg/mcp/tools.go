package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/legivellum/receiptgate/pkg/api"
	"github.com/legivellum/receiptgate/pkg/ledger"
)

func (g *Gateway) submitReceipt(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Receipt map[string]any `json:"receipt"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return nil, err
	}
	if params.Receipt == nil {
		return nil, api.ValidationFailed("receipt object is required", "receipt")
	}
	res, err := g.ledger.Append(ctx, params.Receipt)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"receipt":           res.Receipt,
		"idempotent_replay": res.Replayed,
	}, nil
}

func (g *Gateway) getReceipt(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		ReceiptID string `json:"receipt_id"`
		UUID      string `json:"uuid"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return nil, err
	}
	ref := params.ReceiptID
	if ref == "" {
		ref = params.UUID
	}
	if ref == "" {
		return nil, api.ValidationFailed("receipt_id or uuid is required", "receipt_id")
	}
	r, err := g.ledger.GetReceipt(ctx, ref)
	if err != nil {
		return nil, err
	}
	return map[string]any{"receipt": r}, nil
}

func (g *Gateway) getReceiptChain(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		ReceiptID string `json:"receipt_id"`
		Direction string `json:"direction"`
		MaxDepth  int    `json:"max_depth"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return nil, err
	}
	if params.ReceiptID == "" {
		return nil, api.ValidationFailed("receipt_id is required", "receipt_id")
	}
	return g.ledger.GetReceiptChain(ctx, params.ReceiptID, ledger.ChainDirection(params.Direction), params.MaxDepth)
}

func (g *Gateway) listInbox(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		RecipientAI string `json:"recipient_ai"`
		Limit       int    `json:"limit"`
		Cursor      string `json:"cursor"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return nil, err
	}
	return g.ledger.ListInbox(ctx, params.RecipientAI, params.Limit, params.Cursor)
}

func (g *Gateway) listTaskReceipts(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		TaskID string `json:"task_id"`
		Limit  int    `json:"limit"`
		Cursor string `json:"cursor"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return nil, err
	}
	return g.ledger.ListTaskReceipts(ctx, params.TaskID, params.Limit, params.Cursor)
}

func (g *Gateway) searchReceipts(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		ObligationID      string `json:"obligation_id"`
		TaskID            string `json:"task_id"`
		RecipientAI       string `json:"recipient_ai"`
		CreatedBy         string `json:"created_by"`
		Phase             string `json:"phase"`
		ReceiptIDContains string `json:"receipt_id_contains"`
		Since             string `json:"since"`
		Until             string `json:"until"`
		Limit             int    `json:"limit"`
		Cursor            string `json:"cursor"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return nil, err
	}
	query := ledger.SearchQuery{
		ObligationID:      params.ObligationID,
		TaskID:            params.TaskID,
		RecipientAI:       params.RecipientAI,
		CreatedBy:         params.CreatedBy,
		Phase:             params.Phase,
		ReceiptIDContains: params.ReceiptIDContains,
		Limit:             params.Limit,
		Cursor:            params.Cursor,
	}
	var err error
	if query.Since, err = parseTimeParam(params.Since, "since"); err != nil {
		return nil, err
	}
	if query.Until, err = parseTimeParam(params.Until, "until"); err != nil {
		return nil, err
	}
	return g.ledger.SearchReceipts(ctx, query)
}

func parseTimeParam(value, field string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, value); err != nil {
			return nil, api.ValidationFailed(field+" must be an RFC 3339 timestamp", field)
		}
	}
	u := t.UTC()
	return &u, nil
}

// HealthResult is shared with the plain GET /health endpoint.
type HealthResult struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	Version    string `json:"version"`
	InstanceID string `json:"instance_id"`
}

func (g *Gateway) health(ctx context.Context) (any, error) {
	res := g.Health(ctx)
	if res.Status != "ok" {
		return nil, api.New(api.KindBackend, "database is not reachable", nil)
	}
	return res, nil
}

// Health pings the database and reports service identity.
func (g *Gateway) Health(ctx context.Context) *HealthResult {
	status := "ok"
	if err := g.ledger.Store().Ping(ctx); err != nil {
		status = "degraded"
	}
	return &HealthResult{
		Status:     status,
		Service:    "receiptgate",
		Version:    g.version,
		InstanceID: g.instanceID,
	}
}

func (g *Gateway) bootstrap(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		AgentName string `json:"agent_name"`
		SessionID string `json:"session_id"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return nil, err
	}
	if params.AgentName == "" {
		return nil, api.ValidationFailed("agent_name is required", "agent_name")
	}
	inbox, err := g.ledger.ListInbox(ctx, params.AgentName, 0, "")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tenant_id":  g.ledger.TenantID(),
		"session_id": params.SessionID,
		"config": map[string]any{
			"schema_version": "v1",
			"capabilities":   toolNames(),
		},
		"inbox": inbox,
	}, nil
}

func toolNames() []string {
	names := make([]string, 0, len(catalog))
	for _, t := range catalog {
		names = append(names, t.Name)
	}
	return names
}
