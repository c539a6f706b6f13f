// Package model defines the core domain types for threadsync.
//
// A thread's visible history is built from two sources:
//
//   - ServerMessage: authoritative, immutable, created only by fetches. The
//     server assigns the id and the timestamp.
//
//   - PendingMessage: an optimistic local echo of a user send. It is visible
//     immediately, carries a client timestamp, and is retired once its
//     authoritative copy is known to be in the confirmed list.
//
// DisplayMessage is the union of both as rendered. ThreadState is the full
// mutable state of one open thread and is owned by exactly one session.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/threadsync/pkg/syncerr"
)

// Sender is the role that authored a message.
type Sender string

const (
	SenderOwner   Sender = "owner"
	SenderContact Sender = "contact"
	SenderSystem  Sender = "system"
)

// Valid reports whether s is a known sender role.
func (s Sender) Valid() bool {
	switch s {
	case SenderOwner, SenderContact, SenderSystem:
		return true
	}
	return false
}

// Kind is the payload type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindEvent Kind = "event" // structured event, payload in Metadata
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindEvent:
		return true
	}
	return false
}

// SendStatus tracks a pending message through its send.
type SendStatus string

const (
	StatusSending SendStatus = "sending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

// BusyState names the fetch currently in flight for a thread, if any.
type BusyState string

const (
	BusyNone           BusyState = "none"
	BusyLoadingInitial BusyState = "loading_initial"
	BusyLoadingOlder   BusyState = "loading_older"
	BusyRefreshing     BusyState = "refreshing"
)

// ErrEmptyContent is returned when a send carries neither text nor an
// attachment.
var ErrEmptyContent = errors.New("message has no text and no attachment")

// Content is the user-visible payload shared by server and pending messages.
// An empty Text means the message has no text (e.g. an image send).
type Content struct {
	Kind          Kind            `json:"kind"`
	Text          string          `json:"text,omitempty"`
	AttachmentRef string          `json:"attachment_ref,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks content before it is sent.
func (c Content) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown message kind %q", c.Kind)
	}
	if c.Text == "" && c.AttachmentRef == "" && c.Kind != KindEvent {
		return ErrEmptyContent
	}
	if len(c.Metadata) > 0 && !json.Valid(c.Metadata) {
		return fmt.Errorf("metadata is not valid JSON")
	}
	return nil
}

// Clone returns a copy that shares no memory with c.
func (c Content) Clone() Content {
	if c.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), c.Metadata...)
	}
	return c
}

// ServerMessage is an authoritative message as recorded by the backend.
// Immutable once observed.
type ServerMessage struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Sender   Sender `json:"sender"`
	Content
	CreatedAt time.Time `json:"created_at"`
}

// PendingMessage is a locally created message awaiting or having received
// server acknowledgment.
type PendingMessage struct {
	LocalID  string `json:"local_id"`
	ThreadID string `json:"thread_id"`
	Content
	CreatedAt       time.Time      `json:"created_at"`
	Status          SendStatus     `json:"status"`
	ServerMessageID string         `json:"server_message_id,omitempty"`
	Failure         *syncerr.Error `json:"failure,omitempty"`
}

// Clone returns a deep copy of p.
func (p PendingMessage) Clone() PendingMessage {
	p.Content = p.Content.Clone()
	if p.Failure != nil {
		f := *p.Failure
		p.Failure = &f
	}
	return p
}

// DisplayMessage is one rendered entry: exactly one of Server or Pending is
// set.
type DisplayMessage struct {
	Server  *ServerMessage  `json:"server,omitempty"`
	Pending *PendingMessage `json:"pending,omitempty"`
}

// FromServer tags a confirmed message for display.
func FromServer(m ServerMessage) DisplayMessage {
	m.Content = m.Content.Clone()
	return DisplayMessage{Server: &m}
}

// FromPending tags a pending message for display.
func FromPending(p PendingMessage) DisplayMessage {
	p = p.Clone()
	return DisplayMessage{Pending: &p}
}

// Key is the identity of the entry: the server id or the local id.
func (d DisplayMessage) Key() string {
	if d.Server != nil {
		return d.Server.ID
	}
	if d.Pending != nil {
		return d.Pending.LocalID
	}
	return ""
}

// CreatedAt is the timestamp the entry sorts by.
func (d DisplayMessage) CreatedAt() time.Time {
	if d.Server != nil {
		return d.Server.CreatedAt
	}
	if d.Pending != nil {
		return d.Pending.CreatedAt
	}
	return time.Time{}
}

// IsPending reports whether the entry is an optimistic local echo.
func (d DisplayMessage) IsPending() bool { return d.Pending != nil }

// Text returns the entry's text, if any.
func (d DisplayMessage) Text() string {
	if d.Server != nil {
		return d.Server.Text
	}
	if d.Pending != nil {
		return d.Pending.Text
	}
	return ""
}

// Cursor anchors backward pagination at the oldest loaded message. The zero
// Cursor requests the newest page.
type Cursor struct {
	BeforeID string    `json:"before_id,omitempty"`
	Before   time.Time `json:"before,omitempty"`
}

// IsZero reports whether c requests the newest page.
func (c Cursor) IsZero() bool { return c.BeforeID == "" && c.Before.IsZero() }

// CursorFor returns the cursor anchored at the oldest message of an
// ascending list, or the zero cursor for an empty list.
func CursorFor(confirmed []ServerMessage) Cursor {
	if len(confirmed) == 0 {
		return Cursor{}
	}
	return Cursor{BeforeID: confirmed[0].ID, Before: confirmed[0].CreatedAt}
}

// ThreadState is the complete mutable state of one open thread.
type ThreadState struct {
	ThreadID     string           `json:"thread_id"`
	Confirmed    []ServerMessage  `json:"confirmed"`
	Pending      []PendingMessage `json:"pending"`
	Oldest       Cursor           `json:"oldest"`
	HasMoreOlder bool             `json:"has_more_older"`
	Busy         BusyState        `json:"busy"`
	LastError    *syncerr.Error   `json:"last_error,omitempty"`
	// Seeded is true while Confirmed holds only the local cache snapshot and
	// no fetch has succeeded yet.
	Seeded bool `json:"seeded,omitempty"`
}

// NewThreadState returns the empty state for threadID.
func NewThreadState(threadID string) ThreadState {
	return ThreadState{ThreadID: threadID, Busy: BusyNone}
}

// Clone returns a deep copy of s.
func (s ThreadState) Clone() ThreadState {
	out := s
	out.Confirmed = make([]ServerMessage, len(s.Confirmed))
	for i, m := range s.Confirmed {
		m.Content = m.Content.Clone()
		out.Confirmed[i] = m
	}
	out.Pending = make([]PendingMessage, len(s.Pending))
	for i, p := range s.Pending {
		out.Pending[i] = p.Clone()
	}
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return out
}

// FindPending returns the index of the pending entry with localID, or -1.
func (s ThreadState) FindPending(localID string) int {
	for i, p := range s.Pending {
		if p.LocalID == localID {
			return i
		}
	}
	return -1
}
