package model

import (
	"sort"

	"github.com/daviddao/threadsync/pkg/clock"
)

// MessageLess orders confirmed messages ascending by CreatedAt, ties by ID.
func MessageLess(a, b ServerMessage) bool {
	return clock.Less(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
}

// SortMessages returns a sorted copy of msgs. The input is not modified.
func SortMessages(msgs []ServerMessage) []ServerMessage {
	out := make([]ServerMessage, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool { return MessageLess(out[i], out[j]) })
	return out
}

// IsSorted reports whether msgs is in ascending total order.
func IsSorted(msgs []ServerMessage) bool {
	for i := 1; i < len(msgs); i++ {
		if MessageLess(msgs[i], msgs[i-1]) {
			return false
		}
	}
	return true
}

// IDSet indexes the ids of msgs.
func IDSet(msgs []ServerMessage) map[string]struct{} {
	set := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		set[m.ID] = struct{}{}
	}
	return set
}
