package timeline

import (
	"sync/atomic"
	"time"
)

type overlayEntry struct {
	msg        *DisplayMessage
	insertedAt time.Time
}

// overlay holds optimistic entries that are rendered ahead of the
// confirmed store snapshot: live-pushed incoming messages not yet visible
// through the reactive query, and queued outgoing messages awaiting a
// server guid. Entries are immutable; the slice is swapped atomically so
// bus goroutines can insert while the render loop snapshots.
type overlay struct {
	entries atomic.Pointer[[]overlayEntry]
}

func newOverlay() *overlay {
	o := &overlay{}
	empty := []overlayEntry{}
	o.entries.Store(&empty)
	return o
}

// insert adds msg unless an entry with the same guid is already present.
// Newer entries sort first. Reports whether the overlay changed.
func (o *overlay) insert(msg *DisplayMessage, now time.Time) bool {
	for {
		cur := o.entries.Load()
		for _, e := range *cur {
			if e.msg.GUID == msg.GUID {
				return false
			}
		}
		next := make([]overlayEntry, 0, len(*cur)+1)
		next = append(next, overlayEntry{msg: msg, insertedAt: now})
		next = append(next, *cur...)
		if o.entries.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

func (o *overlay) contains(guid string) bool {
	for _, e := range *o.entries.Load() {
		if e.msg.GUID == guid {
			return true
		}
	}
	return false
}

// remove drops the entry with the given guid. Reports whether it existed.
func (o *overlay) remove(guid string) bool {
	for {
		cur := o.entries.Load()
		idx := -1
		for i, e := range *cur {
			if e.msg.GUID == guid {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false
		}
		next := make([]overlayEntry, 0, len(*cur)-1)
		next = append(next, (*cur)[:idx]...)
		next = append(next, (*cur)[idx+1:]...)
		if o.entries.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// prune drops entries whose guid now appears in the confirmed set and
// entries that have been in for overlayStaleness or longer. Reports
// whether anything dropped.
func (o *overlay) prune(confirmed map[string]struct{}, now time.Time) bool {
	for {
		cur := o.entries.Load()
		next := make([]overlayEntry, 0, len(*cur))
		for _, e := range *cur {
			if _, ok := confirmed[e.msg.GUID]; ok {
				continue
			}
			if now.Sub(e.insertedAt) >= overlayStaleness {
				continue
			}
			next = append(next, e)
		}
		if len(next) == len(*cur) {
			return false
		}
		if o.entries.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// snapshot returns the current entries, newest first.
func (o *overlay) snapshot() []*DisplayMessage {
	cur := o.entries.Load()
	if len(*cur) == 0 {
		return nil
	}
	out := make([]*DisplayMessage, len(*cur))
	for i, e := range *cur {
		out[i] = e.msg
	}
	return out
}

func (o *overlay) clear() {
	empty := []overlayEntry{}
	o.entries.Store(&empty)
}
