package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/daviddao/threadsync/pkg/model"
)

// cursorPayload is the opaque pagination token carried in the query
// string: base64 of this JSON.
type cursorPayload struct {
	BeforeID string `json:"before_id,omitempty"`
	BeforeMs int64  `json:"before_ms,omitempty"`
}

// EncodeCursor returns the query form of c; "" for the zero cursor.
func EncodeCursor(c model.Cursor) string {
	if c.IsZero() {
		return ""
	}
	p := cursorPayload{BeforeID: c.BeforeID}
	if !c.Before.IsZero() {
		p.BeforeMs = c.Before.UnixMilli()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(s string) (model.Cursor, error) {
	var c model.Cursor
	if s == "" {
		return c, nil
	}
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("decode base64: %w", err)
	}
	var p cursorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return c, fmt.Errorf("decode cursor JSON: %w", err)
	}
	c.BeforeID = p.BeforeID
	if p.BeforeMs > 0 {
		c.Before = time.UnixMilli(p.BeforeMs).UTC()
	}
	return c, nil
}
