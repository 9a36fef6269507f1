// Package validation checks incoming receipt payloads against the v1
// receipt schema and the phase-conditional rules. It is pure: nothing here
// touches the database. Database-dependent admission (parent existence,
// terminality) lives in pkg/ledger.
package validation

import (
	"bytes"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/legivellum/receiptgate/pkg/api"
	"github.com/legivellum/receiptgate/pkg/canonicalize"
	"github.com/legivellum/receiptgate/pkg/contracts"
)

//go:embed schema/receipt.schema.v1.json
var schemaV1 []byte

const schemaName = "receipt.schema.v1.json"

// identifierPattern is the permitted character set for receipt_id,
// obligation_id, task_id and caused_by_receipt_id.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9:\-_./]+$`)

// Validator validates receipt payloads against the v1 schema.
type Validator struct {
	schema       *jsonschema.Schema
	maxBodyBytes int
}

// New compiles the embedded v1 schema. maxBodyBytes caps the serialized
// body size (spec default 262144).
func New(maxBodyBytes int) (*Validator, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaName, bytes.NewReader(schemaV1)); err != nil {
		return nil, fmt.Errorf("validation: add schema: %w", err)
	}
	schema, err := c.Compile(schemaName)
	if err != nil {
		return nil, fmt.Errorf("validation: compile schema: %w", err)
	}
	return &Validator{schema: schema, maxBodyBytes: maxBodyBytes}, nil
}

// Validate runs the admission checks in order: structural, enumeration,
// body size, phase-conditional, identifier shape. The first failing stage
// aborts with a ValidationFailed error naming the offending fields.
func (v *Validator) Validate(payload map[string]any) error {
	if err := v.structural(payload); err != nil {
		return err
	}
	phase := contracts.Phase(stringField(payload, "phase"))
	if !phase.Valid() {
		return api.New(api.KindValidationFailed,
			fmt.Sprintf("phase must be one of accepted, complete, escalate; got %q", phase),
			map[string]any{"field": "phase", "constraint": "enum"})
	}
	if err := v.bodySize(payload); err != nil {
		return err
	}
	if err := phaseConditional(payload, phase); err != nil {
		return err
	}
	if err := identifierShape(payload); err != nil {
		return err
	}
	if err := artifactRefs(payload); err != nil {
		return err
	}
	return nil
}

func (v *Validator) structural(payload map[string]any) error {
	err := v.schema.Validate(any(payload))
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return api.Wrap(api.KindValidationFailed, "schema validation failed", err)
	}
	details := flatten(ve)
	return api.New(api.KindValidationFailed, "receipt failed schema validation",
		map[string]any{"errors": details})
}

// flatten collects leaf causes of a schema validation error into
// field/message pairs the client can act on.
func flatten(ve *jsonschema.ValidationError) []map[string]any {
	if len(ve.Causes) == 0 {
		field := strings.TrimPrefix(ve.InstanceLocation, "/")
		if field == "" {
			field = "receipt"
		}
		return []map[string]any{{
			"field":   strings.ReplaceAll(field, "/", "."),
			"message": ve.Message,
		}}
	}
	var out []map[string]any
	for _, c := range ve.Causes {
		out = append(out, flatten(c)...)
	}
	return out
}

func (v *Validator) bodySize(payload map[string]any) error {
	size, err := canonicalize.JSONSize(payload["body"])
	if err != nil {
		return api.Wrap(api.KindValidationFailed, "body is not serializable", err)
	}
	if size > v.maxBodyBytes {
		return api.New(api.KindValidationFailed, "receipt body exceeds maximum size",
			map[string]any{
				"field":      "body",
				"constraint": "max_bytes",
				"max_bytes":  v.maxBodyBytes,
				"size_bytes": size,
			})
	}
	return nil
}

func phaseConditional(payload map[string]any, phase contracts.Phase) error {
	causedBy := stringField(payload, "caused_by_receipt_id")
	escalationTo := stringField(payload, "escalation_to")
	recipient := stringField(payload, "recipient_ai")
	receiptID := stringField(payload, "receipt_id")

	if causedBy != "" && causedBy == receiptID {
		return api.ValidationFailed("caused_by_receipt_id cannot equal receipt_id", "caused_by_receipt_id")
	}

	switch phase {
	case contracts.PhaseAccepted:
		if causedBy != "" {
			return api.ValidationFailed("caused_by_receipt_id is forbidden for phase=accepted", "caused_by_receipt_id")
		}
		if escalationTo != "" {
			return api.ValidationFailed("escalation_to is forbidden for phase=accepted", "escalation_to")
		}
	case contracts.PhaseComplete:
		if causedBy == "" {
			return api.ValidationFailed("caused_by_receipt_id is required for phase=complete", "caused_by_receipt_id")
		}
		if escalationTo != "" {
			return api.ValidationFailed("escalation_to is forbidden for phase=complete", "escalation_to")
		}
		if !hasCompletionPayload(payload) {
			return api.ValidationFailed("complete requires artifact_refs or body.result", "body.result")
		}
	case contracts.PhaseEscalate:
		if causedBy == "" {
			return api.ValidationFailed("caused_by_receipt_id is required for phase=escalate", "caused_by_receipt_id")
		}
		if escalationTo == "" {
			return api.ValidationFailed("escalation_to is required for phase=escalate", "escalation_to")
		}
		if recipient != escalationTo {
			return api.New(api.KindValidationFailed,
				"recipient_ai must equal escalation_to for phase=escalate",
				map[string]any{
					"field":         "recipient_ai",
					"constraint":    "routing_invariant",
					"recipient_ai":  recipient,
					"escalation_to": escalationTo,
				})
		}
		if body, ok := payload["body"].(map[string]any); ok {
			if _, ok := body["escalation"].(map[string]any); !ok {
				return api.ValidationFailed("escalate requires body.escalation", "body.escalation")
			}
		}
	}
	return nil
}

func identifierShape(payload map[string]any) error {
	for _, field := range []string{"receipt_id", "obligation_id", "task_id", "caused_by_receipt_id"} {
		value := stringField(payload, field)
		if value == "" {
			continue
		}
		if !identifierPattern.MatchString(value) {
			return api.New(api.KindValidationFailed,
				fmt.Sprintf("%s contains characters outside [a-zA-Z0-9:-_./]", field),
				map[string]any{"field": field, "constraint": "identifier_charset"})
		}
	}
	return nil
}

// artifactRefs enforces vault-reference integrity: every ref needs an
// identifier, and binary/dataset refs must carry a digest.
func artifactRefs(payload map[string]any) error {
	refs, ok := payload["artifact_refs"].([]any)
	if !ok {
		return nil
	}
	for i, raw := range refs {
		ref, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		artifactID := stringField(ref, "artifact_id")
		uri := stringField(ref, "uri")
		if artifactID == "" && uri == "" {
			return api.New(api.KindValidationFailed, "artifact_ref requires artifact_id or uri",
				map[string]any{"field": fmt.Sprintf("artifact_refs[%d]", i)})
		}
		kind := stringField(ref, "kind")
		if contracts.DigestRequiredKinds[kind] && stringField(ref, "digest") == "" {
			return api.New(api.KindValidationFailed,
				fmt.Sprintf("artifact_ref.digest required for kind=%s", kind),
				map[string]any{"field": fmt.Sprintf("artifact_refs[%d].digest", i), "kind": kind})
		}
	}
	return nil
}

func hasCompletionPayload(payload map[string]any) bool {
	if refs, ok := payload["artifact_refs"].([]any); ok && len(refs) > 0 {
		return true
	}
	if body, ok := payload["body"].(map[string]any); ok {
		if _, ok := body["result"].(map[string]any); ok {
			return true
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
