// Package reconcile merges the three concurrent sources of truth for a
// conversation — the paginated history window, the live push buffer and the
// optimistic outbox — into one deduplicated, chronologically ordered view.
package reconcile

import (
	"sort"
	"time"

	"github.com/edumarket/chatcore/internal/message"
	"github.com/edumarket/chatcore/internal/outbox"
)

// SkewTolerance is the clock-drift window inside which an optimistic
// SUCCESS entry counts as the same logical message as a confirmed one with
// matching content, sender and kind.
const SkewTolerance = 10 * time.Second

// View is a display entry: the message plus its transient delivery status.
// Confirmed messages carry an empty status.
type View struct {
	Message message.Message
	Status  message.DeliveryStatus
}

// Reconcile is pure: recompute it whenever any input changes. The output
// contains each logical message exactly once, newest first, regardless of
// whether it arrived via page fetch, live push or local optimism, and in
// whatever order those arrivals interleaved.
func Reconcile(window, live []message.Message, entries []outbox.Entry, tombstones map[string]struct{}) []View {
	merged := make([]View, 0, len(window)+len(live)+len(entries))
	byID := make(map[string]struct{}, len(window)+len(live))

	for _, m := range window {
		if _, seen := byID[m.ID]; seen {
			continue
		}
		byID[m.ID] = struct{}{}
		merged = append(merged, View{Message: m})
	}
	for _, m := range live {
		if _, seen := byID[m.ID]; seen {
			continue
		}
		byID[m.ID] = struct{}{}
		merged = append(merged, View{Message: m})
	}

	for _, e := range entries {
		switch e.Status {
		case message.StatusSuccess:
			// Drop once the authoritative copy is visible, by id or by
			// fuzzy match; until then it stands in for the broadcast.
			if _, confirmed := byID[e.Message.ID]; confirmed {
				continue
			}
			if fuzzyMatched(merged, e.Message) {
				continue
			}
		case message.StatusPending, message.StatusError:
			// No authoritative counterpart exists yet; always keep.
		}
		merged = append(merged, View{Message: e.Message, Status: e.Status})
	}

	out := merged[:0]
	for _, v := range merged {
		if _, dead := tombstones[v.Message.ID]; dead && v.Message.ID != "" {
			continue
		}
		out = append(out, v)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Message, out[j].Message
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Key() < b.Key()
	})
	return out
}

// fuzzyMatched reports whether a confirmed message in the merged set looks
// like the same logical message: same content, sender and kind, created
// within the skew tolerance. This covers the gap between send confirmation
// and the authoritative broadcast attaching the id locally.
func fuzzyMatched(merged []View, m message.Message) bool {
	for _, v := range merged {
		if v.Status != "" {
			continue
		}
		c := v.Message
		if c.Content != m.Content || c.SenderID != m.SenderID || c.Kind != m.Kind {
			continue
		}
		d := c.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= SkewTolerance {
			return true
		}
	}
	return false
}
