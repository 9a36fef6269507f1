package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/legivellum/receiptgate/pkg/api"
	"github.com/legivellum/receiptgate/pkg/auth"
	"github.com/legivellum/receiptgate/pkg/ledger"
	"github.com/legivellum/receiptgate/pkg/observability"
)

// Gateway serves the JSON-RPC tool surface at POST /mcp.
type Gateway struct {
	ledger     *ledger.Ledger
	obs        *observability.Provider
	logger     *slog.Logger
	version    string
	instanceID string
	timeout    time.Duration
}

// NewGateway wires the tool surface over a ledger. timeout bounds each
// tool call; zero means 30s.
func NewGateway(l *ledger.Ledger, obs *observability.Provider, logger *slog.Logger, version string, timeout time.Duration) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		ledger:     l,
		obs:        obs,
		logger:     logger,
		version:    version,
		instanceID: uuid.NewString(),
		timeout:    timeout,
	}
}

// RegisterRoutes mounts the gateway on a mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", g.handleRPC)
}

func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		api.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "use POST"})
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, g.logger, errorResponse(nil, codeParseError, "request body is not valid JSON", nil))
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		writeResponse(w, g.logger, errorResponse(req.ID, codeInvalidRequest, "jsonrpc must be \"2.0\" and method is required", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	writeResponse(w, g.logger, g.dispatch(ctx, &req))
}

func (g *Gateway) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "receiptgate", "version": g.version},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return resultResponse(req.ID, map[string]any{"tools": Catalog()})
	case "tools/call":
		return g.dispatchToolCall(ctx, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, "unknown method "+req.Method, nil)
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (g *Gateway) dispatchToolCall(ctx context.Context, req *Request) *Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "tools/call needs params {name, arguments}", nil)
	}

	ctx, done := g.obs.TrackToolCall(ctx, params.Name)

	result, err := g.callTool(ctx, params.Name, params.Arguments)
	if err != nil {
		var unknown *unknownToolError
		if errors.As(err, &unknown) {
			done("MethodNotFound")
			return errorResponse(req.ID, codeMethodNotFound, err.Error(), nil)
		}
		ae := api.AsError(err)
		done(string(ae.Kind))
		g.logger.Warn("tool call failed",
			"tool", params.Name,
			"kind", string(ae.Kind),
			"request_id", auth.GetRequestID(ctx),
			"error", ae.Message,
		)
		return errorResponse(req.ID, ae.RPCCode(), ae.Message, ae.ErrorData())
	}
	done("")
	return resultResponse(req.ID, result)
}

type unknownToolError struct{ name string }

func (e *unknownToolError) Error() string { return "unknown tool " + e.name }

func (g *Gateway) callTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "receiptgate.submit_receipt":
		return g.submitReceipt(ctx, args)
	case "receiptgate.get_receipt":
		return g.getReceipt(ctx, args)
	case "receiptgate.get_receipt_chain":
		return g.getReceiptChain(ctx, args)
	case "receiptgate.list_inbox":
		return g.listInbox(ctx, args)
	case "receiptgate.list_task_receipts":
		return g.listTaskReceipts(ctx, args)
	case "receiptgate.search_receipts":
		return g.searchReceipts(ctx, args)
	case "receiptgate.health":
		return g.health(ctx)
	case "receiptgate.stats":
		return g.ledger.GetStats(ctx)
	case "receiptgate.bootstrap":
		return g.bootstrap(ctx, args)
	default:
		return nil, &unknownToolError{name: name}
	}
}

func decodeArgs[T any](args json.RawMessage, into *T) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return api.ValidationFailed("arguments do not match the tool schema: "+err.Error(), "arguments")
	}
	return nil
}

func writeResponse(w http.ResponseWriter, logger *slog.Logger, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("response encode failed", "error", err)
	}
}
