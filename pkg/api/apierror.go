// Package api defines the ReceiptGate error taxonomy and its mapping onto
// JSON-RPC error codes and HTTP status hints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error classification. Every error that crosses the tool
// surface carries exactly one Kind.
type Kind string

const (
	KindValidationFailed       Kind = "ValidationFailed"
	KindReceiptConflict        Kind = "ReceiptConflict"
	KindParentMissing          Kind = "ParentMissing"
	KindParentNotAcceptedPhase Kind = "ParentNotAcceptedPhase"
	KindAlreadyTerminated      Kind = "AlreadyTerminated"
	KindNotFound               Kind = "NotFound"
	KindUnauthorized           Kind = "Unauthorized"
	KindTimeout                Kind = "Timeout"
	KindBackend                Kind = "Backend"
	KindInternal               Kind = "Internal"
)

// JSON-RPC server-defined error codes, one per kind. Envelope faults use
// the standard -32700..-32603 range in pkg/mcp.
var rpcCodes = map[Kind]int{
	KindValidationFailed:       -32001,
	KindReceiptConflict:        -32002,
	KindParentMissing:          -32003,
	KindParentNotAcceptedPhase: -32004,
	KindAlreadyTerminated:      -32005,
	KindNotFound:               -32006,
	KindUnauthorized:           -32007,
	KindTimeout:                -32008,
	KindBackend:                -32009,
	KindInternal:               -32603,
}

var httpHints = map[Kind]int{
	KindValidationFailed:       http.StatusUnprocessableEntity,
	KindReceiptConflict:        http.StatusConflict,
	KindParentMissing:          http.StatusConflict,
	KindParentNotAcceptedPhase: http.StatusConflict,
	KindAlreadyTerminated:      http.StatusConflict,
	KindNotFound:               http.StatusNotFound,
	KindUnauthorized:           http.StatusUnauthorized,
	KindTimeout:                http.StatusGatewayTimeout,
	KindBackend:                http.StatusServiceUnavailable,
	KindInternal:               http.StatusInternalServerError,
}

// Error is a classified ReceiptGate error. Data carries structured context
// (offending field, conflicting hashes) for the client; it is marshaled
// into the JSON-RPC error.data member.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// RPCCode returns the stable JSON-RPC error code for this error.
func (e *Error) RPCCode() int {
	if c, ok := rpcCodes[e.Kind]; ok {
		return c
	}
	return rpcCodes[KindInternal]
}

// HTTPStatus returns the HTTP status hint for this error.
func (e *Error) HTTPStatus() int {
	if s, ok := httpHints[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ErrorData returns the data payload including the kind discriminator.
func (e *Error) ErrorData() map[string]any {
	data := map[string]any{"kind": string(e.Kind)}
	for k, v := range e.Data {
		data[k] = v
	}
	return data
}

// New constructs a classified error.
func New(kind Kind, message string, data map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Data: data}
}

// Wrap classifies an underlying error without losing its chain.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// ValidationFailed builds a ValidationFailed error naming the offending field.
func ValidationFailed(message, field string) *Error {
	data := map[string]any{}
	if field != "" {
		data["field"] = field
	}
	return New(KindValidationFailed, message, data)
}

// NotFound builds a NotFound error for the given lookup target.
func NotFound(what, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found", what), map[string]any{"id": id})
}

// IsKind reports whether err is a classified error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// AsError classifies err: already-classified errors pass through, context
// cancellation/deadline errors become Timeout, anything else becomes
// Internal.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(KindTimeout, "deadline exceeded", err)
	}
	return Wrap(KindInternal, "unclassified error", err)
}
