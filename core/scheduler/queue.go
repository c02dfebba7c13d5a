package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"scriptflow/core/models"
)

// Firing is one upcoming trigger fire for an event.
type Firing struct {
	EventID string
	Trigger models.Trigger
	At      time.Time
	Index   int // For heap.Interface
}

// FireQueue is a min-heap of upcoming trigger firings ordered by fire
// time.
type FireQueue struct {
	items []*Firing
	mu    sync.Mutex
}

// NewFireQueue creates an empty fire queue.
func NewFireQueue() *FireQueue {
	fq := &FireQueue{items: make([]*Firing, 0)}
	heap.Init(fq)
	return fq
}

// Add enqueues an upcoming firing.
func (fq *FireQueue) Add(f *Firing) {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	heap.Push(fq, f)
}

// PopDue removes and returns the earliest firing not after now, or nil
// when nothing is due.
func (fq *FireQueue) PopDue(now time.Time) *Firing {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	if len(fq.items) == 0 || fq.items[0].At.After(now) {
		return nil
	}
	return heap.Pop(fq).(*Firing)
}

// RemoveEvent drops every queued firing for an event.
func (fq *FireQueue) RemoveEvent(eventID string) {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	kept := make([]*Firing, 0, len(fq.items))
	for _, item := range fq.items {
		if item.EventID != eventID {
			kept = append(kept, item)
		}
	}
	for i, item := range kept {
		item.Index = i
	}
	fq.items = kept
	heap.Init(fq)
}

// Size returns the number of queued firings.
func (fq *FireQueue) Size() int {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return len(fq.items)
}

// Len implements heap.Interface.
func (fq *FireQueue) Len() int { return len(fq.items) }

// Less orders firings by fire time.
func (fq *FireQueue) Less(i, j int) bool {
	return fq.items[i].At.Before(fq.items[j].At)
}

// Swap swaps two firings.
func (fq *FireQueue) Swap(i, j int) {
	fq.items[i], fq.items[j] = fq.items[j], fq.items[i]
	fq.items[i].Index = i
	fq.items[j].Index = j
}

// Push implements heap.Interface.
func (fq *FireQueue) Push(x any) {
	item := x.(*Firing)
	item.Index = len(fq.items)
	fq.items = append(fq.items, item)
}

// Pop implements heap.Interface.
func (fq *FireQueue) Pop() any {
	old := fq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	fq.items = old[0 : n-1]
	return item
}
