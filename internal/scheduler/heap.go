package scheduler

import "time"

// callout is one scheduled invocation. Cancellation is lazy: RemoveCallOut
// flags the entry and the dispatch loop discards it on pop.
type callout struct {
	id       uint64
	due      time.Time
	object   string
	fn       string
	payload  any
	internal bool // driver-owned (auto-save); not script-cancellable
	cancel   bool

	index int // heap bookkeeping
}

// calloutHeap orders by due time, ties broken by id ascending so callouts
// scheduled earlier fire earlier.
type calloutHeap []*callout

func (h calloutHeap) Len() int { return len(h) }

func (h calloutHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].id < h[j].id
}

func (h calloutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *calloutHeap) Push(x any) {
	c := x.(*callout)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *calloutHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}
