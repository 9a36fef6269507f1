package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail is an RFC 7807 problem document. Plain-HTTP surfaces
// (health, middleware rejections) answer with this shape; the JSON-RPC
// surface wraps the same kinds in error envelopes instead.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// WriteProblem writes an RFC 7807 response for a classified error.
func WriteProblem(w http.ResponseWriter, r *http.Request, e *Error) {
	problem := &ProblemDetail{
		Type:    "https://legivellum.dev/errors/" + string(e.Kind),
		Title:   string(e.Kind),
		Status:  e.HTTPStatus(),
		Detail:  e.Message,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteUnauthorized writes a 401 problem with a WWW-Authenticate challenge.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	w.Header().Set("WWW-Authenticate", "Bearer")
	WriteProblem(w, r, New(KindUnauthorized, detail, nil))
}

// WriteTooManyRequests writes a 429 problem with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	problem := &ProblemDetail{
		Type:    "https://legivellum.dev/errors/RateLimited",
		Title:   "RateLimited",
		Status:  http.StatusTooManyRequests,
		Detail:  "rate limit exceeded, retry later",
		TraceID: w.Header().Get("X-Request-ID"),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}
