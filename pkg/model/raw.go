package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/daviddao/threadsync/pkg/syncerr"
)

// RawMessage is a message as it arrives from the gateway, before
// validation. Gateways may return pages in any order; the engine sorts.
type RawMessage struct {
	ID            string          `json:"id"`
	ThreadID      string          `json:"thread_id"`
	Sender        string          `json:"sender"`
	Kind          string          `json:"kind"`
	Text          string          `json:"text,omitempty"`
	AttachmentRef string          `json:"attachment_ref,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAtMs   int64           `json:"created_at"`
}

// ToRaw converts a confirmed message back to its wire form.
func ToRaw(m ServerMessage) RawMessage {
	return RawMessage{
		ID:            m.ID,
		ThreadID:      m.ThreadID,
		Sender:        string(m.Sender),
		Kind:          string(m.Kind),
		Text:          m.Text,
		AttachmentRef: m.AttachmentRef,
		Metadata:      m.Metadata,
		CreatedAtMs:   m.CreatedAt.UnixMilli(),
	}
}

// Decode validates r as a message of threadID.
func (r RawMessage) Decode(threadID string) (ServerMessage, error) {
	switch {
	case r.ID == "":
		return ServerMessage{}, fmt.Errorf("message without id")
	case r.ThreadID != "" && r.ThreadID != threadID:
		return ServerMessage{}, fmt.Errorf("message %s belongs to thread %q, want %q", r.ID, r.ThreadID, threadID)
	case !Sender(r.Sender).Valid():
		return ServerMessage{}, fmt.Errorf("message %s: unknown sender %q", r.ID, r.Sender)
	case !Kind(r.Kind).Valid():
		return ServerMessage{}, fmt.Errorf("message %s: unknown kind %q", r.ID, r.Kind)
	case r.CreatedAtMs <= 0:
		return ServerMessage{}, fmt.Errorf("message %s: missing created_at", r.ID)
	case len(r.Metadata) > 0 && !json.Valid(r.Metadata):
		return ServerMessage{}, fmt.Errorf("message %s: metadata is not valid JSON", r.ID)
	}
	return ServerMessage{
		ID:       r.ID,
		ThreadID: threadID,
		Sender:   Sender(r.Sender),
		Content: Content{
			Kind:          Kind(r.Kind),
			Text:          r.Text,
			AttachmentRef: r.AttachmentRef,
			Metadata:      append(json.RawMessage(nil), r.Metadata...),
		},
		CreatedAt: time.UnixMilli(r.CreatedAtMs).UTC(),
	}, nil
}

// DecodePage validates a whole page and returns it sorted ascending with
// exact duplicates collapsed. Any invalid entry rejects the entire page
// with a MalformedResponse error: a partially decoded page could break the
// ordering of the confirmed list.
func DecodePage(threadID string, raw []RawMessage) ([]ServerMessage, error) {
	out := make([]ServerMessage, 0, len(raw))
	seen := make(map[string]int, len(raw))
	for _, r := range raw {
		m, err := r.Decode(threadID)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.MalformedResponse, err)
		}
		if i, ok := seen[m.ID]; ok {
			if !sameMessage(out[i], m) {
				return nil, syncerr.Wrap(syncerr.MalformedResponse,
					fmt.Errorf("message %s repeated with different content", m.ID))
			}
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	return SortMessages(out), nil
}

func sameMessage(a, b ServerMessage) bool {
	return a.ID == b.ID && a.Sender == b.Sender && a.Kind == b.Kind &&
		a.Text == b.Text && a.AttachmentRef == b.AttachmentRef &&
		a.CreatedAt.Equal(b.CreatedAt) && bytes.Equal(a.Metadata, b.Metadata)
}
