package chat

import (
	"sort"
	"time"
)

// timeWindow is the tolerance applied when matching optimistic entries by
// timestamp proximity.
type timeWindow time.Duration

func (w timeWindow) contains(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= time.Duration(w)
}

// reconcileIndex finds the existing log entry a canonical arrival should
// replace, or -1 to append as new.
//
// Matching is tried in order of confidence:
//  1. stable id, when both sides carry one
//  2. the temp id echoed back by the server
//  3. heuristic fallback for optimistic entries created before the server
//     assigned an id: same sender, identical content, created within the
//     tolerance window, still in sending state
//
// At most one entry is ever matched per arrival, so an optimistic message is
// replaced, never duplicated.
func reconcileIndex(log []Message, incoming Message, window timeWindow) int {
	if incoming.ID != "" {
		for i := range log {
			if log[i].ID == incoming.ID {
				return i
			}
		}
	}
	if incoming.TempID != "" {
		for i := range log {
			if log[i].TempID != "" && log[i].TempID == incoming.TempID {
				return i
			}
		}
	}
	for i := range log {
		e := &log[i]
		if e.Status != StatusSending {
			continue
		}
		if e.SenderID != incoming.SenderID || e.Content != incoming.Content {
			continue
		}
		if window.contains(e.CreatedAt, incoming.CreatedAt) {
			return i
		}
	}
	return -1
}

// sortLog restores total order by created timestamp. The sort is stable so
// ties keep arrival order.
func sortLog(log []Message) {
	sort.SliceStable(log, func(i, j int) bool {
		return log[i].CreatedAt.Before(log[j].CreatedAt)
	})
}
