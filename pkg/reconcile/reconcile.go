// Package reconcile merges confirmed history and retires optimistic
// messages once their authoritative copy has arrived.
//
// Everything here is pure: inputs are never modified and every function
// returns fresh slices. Re-running any function on its own output changes
// nothing.
package reconcile

import (
	"time"

	"github.com/daviddao/threadsync/pkg/clock"
	"github.com/daviddao/threadsync/pkg/model"
)

// DefaultFuzzyWindow is the time tolerance for matching a pending send
// without text against its server copy.
const DefaultFuzzyWindow = 10 * time.Second

// Pass identifies which reconciliation pass retired a pending message.
type Pass string

const (
	PassExact Pass = "exact"
	PassFuzzy Pass = "fuzzy"
)

// Options tunes reconciliation.
type Options struct {
	FuzzyWindow time.Duration
}

func (o Options) window() time.Duration {
	if o.FuzzyWindow <= 0 {
		return DefaultFuzzyWindow
	}
	return o.FuzzyWindow
}

// Retirement records one pending message collapsed into a confirmed one.
type Retirement struct {
	LocalID  string `json:"local_id"`
	ServerID string `json:"server_id"`
	Pass     Pass   `json:"pass"`
}

// Result is the outcome of Reconcile.
type Result struct {
	Pending []model.PendingMessage
	Retired []Retirement
}

// Merge returns existing ∪ incoming sorted ascending, one entry per id.
// Entries already in existing win: a confirmed message never changes once
// observed. The second return value counts the newly added messages.
func Merge(existing, incoming []model.ServerMessage) ([]model.ServerMessage, int) {
	seen := model.IDSet(existing)
	out := make([]model.ServerMessage, 0, len(existing)+len(incoming))
	out = append(out, existing...)
	added := 0
	for _, m := range incoming {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
		added++
	}
	if added == 0 && model.IsSorted(out) {
		return out, 0
	}
	return model.SortMessages(out), added
}

// Reconcile runs the exact pass and then the fuzzy pass over pending.
func Reconcile(confirmed []model.ServerMessage, pending []model.PendingMessage, opts Options) Result {
	afterExact, exact := ExactPass(confirmed, pending)
	afterFuzzy, fuzzy := FuzzyPass(confirmed, afterExact, opts)
	return Result{Pending: afterFuzzy, Retired: append(exact, fuzzy...)}
}

// ExactPass retires every pending message whose ServerMessageID is present
// in confirmed.
func ExactPass(confirmed []model.ServerMessage, pending []model.PendingMessage) ([]model.PendingMessage, []Retirement) {
	ids := model.IDSet(confirmed)
	kept := make([]model.PendingMessage, 0, len(pending))
	var retired []Retirement
	for _, p := range pending {
		if p.ServerMessageID != "" {
			if _, ok := ids[p.ServerMessageID]; ok {
				retired = append(retired, Retirement{LocalID: p.LocalID, ServerID: p.ServerMessageID, Pass: PassExact})
				continue
			}
		}
		kept = append(kept, p)
	}
	return kept, retired
}

// FuzzyPass retires Sent messages that have no server id yet against an
// unclaimed confirmed message from the owner with the same kind.
//
// Pending messages are visited in send order and candidates most recent
// first, so with two identical sends inside one window the earliest pending
// message claims the newest echo. A confirmed message is claimed at most
// once per pass, and never if some pending message already links to it by
// id.
func FuzzyPass(confirmed []model.ServerMessage, pending []model.PendingMessage, opts Options) ([]model.PendingMessage, []Retirement) {
	window := opts.window()
	claimed := make(map[string]struct{})
	for _, p := range pending {
		if p.ServerMessageID != "" {
			claimed[p.ServerMessageID] = struct{}{}
		}
	}

	kept := make([]model.PendingMessage, 0, len(pending))
	var retired []Retirement
	for _, p := range pending {
		if p.Status != model.StatusSent || p.ServerMessageID != "" {
			kept = append(kept, p)
			continue
		}
		match := -1
		for i := len(confirmed) - 1; i >= 0; i-- {
			c := confirmed[i]
			if _, ok := claimed[c.ID]; ok {
				continue
			}
			if fuzzyMatch(c, p, window) {
				match = i
				break
			}
		}
		if match < 0 {
			kept = append(kept, p)
			continue
		}
		serverID := confirmed[match].ID
		claimed[serverID] = struct{}{}
		retired = append(retired, Retirement{LocalID: p.LocalID, ServerID: serverID, Pass: PassFuzzy})
	}
	return kept, retired
}

func fuzzyMatch(c model.ServerMessage, p model.PendingMessage, window time.Duration) bool {
	if c.Sender != model.SenderOwner || c.Kind != p.Kind {
		return false
	}
	if p.Text != "" {
		// The server copy cannot predate the send by more than clock skew.
		return c.Text == p.Text && !c.CreatedAt.Before(p.CreatedAt.Add(-window))
	}
	// Attachment refs are rewritten by the upload pipeline, so only time
	// links a textless send to its copy.
	return clock.Within(c.CreatedAt, p.CreatedAt, window)
}
