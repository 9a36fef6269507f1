package ledger

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/legivellum/receiptgate/pkg/api"
)

// cursor is a stable pagination position: the created_at and receipt_id of
// the last row the client saw. Encoded opaque so clients cannot build one
// by hand and depend on its shape.
type cursor struct {
	CreatedAt time.Time
	ReceiptID string
}

func encodeCursor(t time.Time, receiptID string) string {
	raw := t.UTC().Format(time.RFC3339Nano) + "|" + receiptID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, api.ValidationFailed("cursor is not valid", "cursor")
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, api.ValidationFailed("cursor is not valid", "cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, api.ValidationFailed(fmt.Sprintf("cursor timestamp is not valid: %v", err), "cursor")
	}
	return &cursor{CreatedAt: t, ReceiptID: id}, nil
}
