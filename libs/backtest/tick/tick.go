// Package tick implements the streaming, chronologically-ordered merge of
// per-symbol tick sources that drives the backtest's global simulated clock
// (C1 of the backtesting core).
package tick

import (
	"container/heap"
	"fmt"
	"time"
)

// Tick is an immutable quote update for one symbol.
type Tick struct {
	Symbol string
	Time   time.Time
	Bid    float64
	Ask    float64
	Last   float64
	Volume float64
	Spread float64
}

// Source yields one symbol's ticks in ascending time order. Implementations
// are not required to hold more than a bounded chunk of data in memory at
// once — Timeline only ever asks for one pending tick per source.
type Source interface {
	Symbol() string
	// Next returns the next tick, or ok=false when the source is exhausted.
	// A non-nil error aborts the whole timeline.
	Next() (t Tick, ok bool, err error)
	// Remaining is an upper bound on the ticks left to deliver, used for
	// progress reporting. -1 means unknown.
	Remaining() int
}

// Timeline performs a k-way min-heap merge over a set of per-symbol Sources,
// yielding a single chronologically ordered sequence without materializing
// the full set. Ties on identical timestamps are broken by symbol name
// ascending — this secondary key is required for cross-run reproducibility;
// without it, ticks arriving at the same instant from different symbol
// readers would be ordered by reader scheduling jitter.
type Timeline struct {
	h         pendingHeap
	total     int
	delivered int
}

type pendingItem struct {
	tick   Tick
	source Source
}

type pendingHeap []pendingItem

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	ti, tj := h[i].tick, h[j].tick
	if !ti.Time.Equal(tj.Time) {
		return ti.Time.Before(tj.Time)
	}
	return ti.Symbol < tj.Symbol
}
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)        { *h = append(*h, x.(pendingItem)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewTimeline primes the heap with the first tick of every source. A read
// error on any source aborts construction — partial delivery of a malformed
// dataset is not permitted.
func NewTimeline(sources []Source) (*Timeline, error) {
	tl := &Timeline{}
	for _, src := range sources {
		if src.Remaining() > 0 || src.Remaining() < 0 {
			tl.total += max0(src.Remaining())
		}
		t, ok, err := src.Next()
		if err != nil {
			return nil, fmt.Errorf("tick.NewTimeline: symbol %s: %w", src.Symbol(), err)
		}
		if !ok {
			continue // empty symbol stream is permitted
		}
		heap.Push(&tl.h, pendingItem{tick: t, source: src})
	}
	return tl, nil
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Next pops the chronologically-earliest pending tick, refills from its
// source, and returns it. ok is false once every source is exhausted.
func (tl *Timeline) Next() (Tick, bool, error) {
	if tl.h.Len() == 0 {
		return Tick{}, false, nil
	}
	item := heap.Pop(&tl.h).(pendingItem)
	tl.delivered++

	next, ok, err := item.source.Next()
	if err != nil {
		return Tick{}, false, fmt.Errorf("tick.Timeline.Next: symbol %s: %w", item.source.Symbol(), err)
	}
	if ok {
		heap.Push(&tl.h, pendingItem{tick: next, source: item.source})
	}
	return item.tick, true, nil
}

// Total returns the upfront-known upper bound of ticks the timeline will
// deliver, for progress reporting. It may be 0 if no source reported a count.
func (tl *Timeline) Total() int { return tl.total }

// Delivered returns the count of ticks handed out so far.
func (tl *Timeline) Delivered() int { return tl.delivered }

// Pending reports how many symbols still have an outstanding tick queued.
func (tl *Timeline) Pending() int { return tl.h.Len() }
