package queue

// DefaultDedupWindow is how many recent op IDs a process remembers per set.
const DefaultDedupWindow = 4096

// idWindow remembers the most recent limit IDs. Once full, adding an ID
// forgets the oldest one.
type idWindow struct {
	ids   map[string]struct{}
	ring  []string
	next  int
	limit int
}

func newIDWindow(limit int) *idWindow {
	if limit <= 0 {
		limit = DefaultDedupWindow
	}
	return &idWindow{ids: make(map[string]struct{}, limit), limit: limit}
}

func (w *idWindow) has(id string) bool {
	_, ok := w.ids[id]
	return ok
}

func (w *idWindow) add(id string) {
	if w.has(id) {
		return
	}
	if len(w.ring) < w.limit {
		w.ring = append(w.ring, id)
	} else {
		delete(w.ids, w.ring[w.next])
		w.ring[w.next] = id
		w.next = (w.next + 1) % w.limit
	}
	w.ids[id] = struct{}{}
}

func (w *idWindow) len() int { return len(w.ids) }
