package aggregate

import (
	"container/heap"
	"slices"

	"example.com/principalanalytics/internal/domain"
)

// MergeRecent performs a k-way merge of per-source streams, each sorted ascending by
// domain.CompareEvents, and returns the newest events first. A positive limit stops the
// merge as soon as that many events were emitted.
func MergeRecent(streams [][]domain.TimelineEvent, limit int) []domain.TimelineEvent {
	total := 0
	h := make(tailHeap, 0, len(streams))
	for _, s := range streams {
		if len(s) == 0 {
			continue
		}
		total += len(s)
		h = append(h, tail{events: s, idx: len(s) - 1})
	}
	if limit <= 0 || limit > total {
		limit = total
	}
	heap.Init(&h)

	out := make([]domain.TimelineEvent, 0, limit)
	for len(out) < limit && h.Len() > 0 {
		top := &h[0]
		out = append(out, top.events[top.idx])
		top.idx--
		if top.idx < 0 {
			heap.Pop(&h)
			continue
		}
		heap.Fix(&h, 0)
	}
	return out
}

// sortedStream returns the stream in ascending order, sorting only when the source did not.
func sortedStream(events []domain.TimelineEvent) []domain.TimelineEvent {
	if !slices.IsSortedFunc(events, domain.CompareEvents) {
		slices.SortStableFunc(events, domain.CompareEvents)
	}
	return events
}

type tail struct {
	events []domain.TimelineEvent
	idx    int
}

// tailHeap is a max-heap on the last unread event of each stream.
type tailHeap []tail

func (h tailHeap) Len() int { return len(h) }

func (h tailHeap) Less(i, j int) bool {
	return domain.CompareEvents(h[i].events[h[i].idx], h[j].events[h[j].idx]) > 0
}

func (h tailHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *tailHeap) Push(x any) { *h = append(*h, x.(tail)) }

func (h *tailHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
