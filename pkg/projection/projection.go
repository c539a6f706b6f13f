// Package projection turns a thread's state into the list the UI renders.
//
// Project is the only place where the global display order is computed.
package projection

import (
	"sort"

	"github.com/daviddao/threadsync/pkg/model"
)

// Project returns every confirmed message plus every pending message not
// yet linked to a confirmed id, stable-sorted ascending by CreatedAt.
// Confirmed messages come first in the input to the sort, so on a timestamp
// tie the authoritative copy renders before a local echo; pending entries
// keep send order among themselves. No two entries share a key.
func Project(s model.ThreadState) []model.DisplayMessage {
	confirmedIDs := model.IDSet(s.Confirmed)
	out := make([]model.DisplayMessage, 0, len(s.Confirmed)+len(s.Pending))
	seen := make(map[string]struct{}, cap(out))

	for _, m := range s.Confirmed {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, model.FromServer(m))
	}
	for _, p := range s.Pending {
		if p.ServerMessageID != "" {
			if _, ok := confirmedIDs[p.ServerMessageID]; ok {
				continue
			}
		}
		if _, dup := seen[p.LocalID]; dup {
			continue
		}
		seen[p.LocalID] = struct{}{}
		out = append(out, model.FromPending(p))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// Keys returns the identity keys of a projection in order.
func Keys(list []model.DisplayMessage) []string {
	keys := make([]string, len(list))
	for i, d := range list {
		keys[i] = d.Key()
	}
	return keys
}

// Unique reports whether no two entries of list share a key.
func Unique(list []model.DisplayMessage) bool {
	seen := make(map[string]struct{}, len(list))
	for _, d := range list {
		if _, ok := seen[d.Key()]; ok {
			return false
		}
		seen[d.Key()] = struct{}{}
	}
	return true
}
