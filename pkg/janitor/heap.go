package janitor

import "container/heap"

// expiryItem is one scheduled expiration.
type expiryItem struct {
	containerID string
	expiration  int64 // epoch seconds
	index       int
}

// expiryHeap is a min-heap ordered by expiration, with an id index so
// reschedule and cancel are O(log n) instead of a scan.
type expiryHeap struct {
	items []*expiryItem
	byID  map[string]*expiryItem
}

func newExpiryHeap() *expiryHeap {
	return &expiryHeap{byID: make(map[string]*expiryItem)}
}

func (h *expiryHeap) Len() int { return len(h.items) }

func (h *expiryHeap) Less(i, j int) bool {
	return h.items[i].expiration < h.items[j].expiration
}

func (h *expiryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *expiryHeap) Push(x any) {
	item := x.(*expiryItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
	h.byID[item.containerID] = item
}

func (h *expiryHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	delete(h.byID, item.containerID)
	return item
}

// schedule inserts or updates the entry for containerID.
func (h *expiryHeap) schedule(containerID string, expiration int64) {
	if item, ok := h.byID[containerID]; ok {
		item.expiration = expiration
		heap.Fix(h, item.index)
		return
	}
	heap.Push(h, &expiryItem{containerID: containerID, expiration: expiration})
}

// cancel removes the entry for containerID if present.
func (h *expiryHeap) cancel(containerID string) {
	if item, ok := h.byID[containerID]; ok {
		heap.Remove(h, item.index)
	}
}

// peek returns the earliest entry without removing it.
func (h *expiryHeap) peek() *expiryItem {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// popDue removes and returns all entries with expiration <= now.
func (h *expiryHeap) popDue(now int64) []*expiryItem {
	var due []*expiryItem
	for len(h.items) > 0 && h.items[0].expiration <= now {
		due = append(due, heap.Pop(h).(*expiryItem))
	}
	return due
}
