package store

import "container/heap"

// expiryHeap is a container/heap min-heap of entries ordered by nextExpiry,
// giving the sweeper amortised O(k) access to the next candidates instead of
// a full scan (spec §4.1: "scans candidate entries in amortised O(k) via a
// min-heap keyed by next-expiry"). Only entries with a non-zero nextExpiry
// participate — ExpireNone and interned entries never enter the heap.
type expiryHeap []*entry

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	return h[i].nextExpiry().Before(h[j].nextExpiry())
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *expiryHeap) Push(x any) {
	e := x.(*entry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

// pushExpiry inserts e into h if it carries an expiration.
func pushExpiry(h *expiryHeap, e *entry) {
	if e.mode == ExpireNone || e.interned {
		e.heapIdx = -1
		return
	}
	heap.Push(h, e)
}

// removeExpiry removes e from h if it is currently tracked.
func removeExpiry(h *expiryHeap, e *entry) {
	if e.heapIdx < 0 || e.heapIdx >= len(*h) {
		return
	}
	heap.Remove(h, e.heapIdx)
}

// fixExpiry re-establishes heap order after e's nextExpiry changed in place
// (sliding refresh on GET).
func fixExpiry(h *expiryHeap, e *entry) {
	if e.heapIdx < 0 || e.heapIdx >= len(*h) {
		return
	}
	heap.Fix(h, e.heapIdx)
}
