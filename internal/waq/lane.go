package waq

import (
	"context"
	"log/slog"
	"sync"
)

// Handler processes one item. Returning an error marks the item failed;
// the write-ahead record is removed either way.
type Handler func(ctx context.Context, item Item) error

type laneEntry struct {
	item    Item
	handler Handler
}

// LaneStatus is a point-in-time view of one lane.
type LaneStatus struct {
	Depth  int  `json:"depth"`
	Active bool `json:"active"`
}

// LaneQueue serializes work per lane while letting distinct lanes run
// concurrently. Each lane gets at most one worker goroutine, started on
// demand and exiting once the lane drains.
type LaneQueue struct {
	store   *Store
	logger  *slog.Logger
	baseCtx context.Context

	mu     sync.Mutex
	queues map[string][]laneEntry
	active map[string]bool
}

type LaneQueueConfig struct {
	Store   *Store
	Logger  *slog.Logger
	BaseCtx context.Context // context handed to handlers; Background if nil
}

func NewLaneQueue(cfg LaneQueueConfig) *LaneQueue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx := cfg.BaseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &LaneQueue{
		store:   cfg.Store,
		logger:  logger,
		baseCtx: baseCtx,
		queues:  make(map[string][]laneEntry),
		active:  make(map[string]bool),
	}
}

// Enqueue persists the payload and queues it on its lane. The record is
// written before the item becomes runnable, so a crash between the two
// leaves a recoverable record rather than lost work.
func (q *LaneQueue) Enqueue(laneID, payload string, handler Handler) {
	item := q.store.Write(laneID, payload)
	q.add(item, handler)
}

// RecoverOrphans re-queues every record that survived a previous run, in
// enqueue order, using handlers built once per lane. Returns the number
// of items recovered.
func (q *LaneQueue) RecoverOrphans(handlerFactory func(laneID string) Handler) int {
	items := q.store.LoadPending()
	handlers := make(map[string]Handler)
	for _, item := range items {
		h, ok := handlers[item.LaneID]
		if !ok {
			h = handlerFactory(item.LaneID)
			handlers[item.LaneID] = h
		}
		q.add(item, h)
	}
	if len(items) > 0 {
		q.logger.Info("recovered orphaned work items", "count", len(items), "lanes", len(handlers))
	}
	return len(items)
}

func (q *LaneQueue) add(item Item, handler Handler) {
	q.mu.Lock()
	q.queues[item.LaneID] = append(q.queues[item.LaneID], laneEntry{item: item, handler: handler})
	if !q.active[item.LaneID] {
		q.active[item.LaneID] = true
		go q.drain(item.LaneID)
	}
	q.mu.Unlock()
}

// drain runs items from one lane in FIFO order until the lane empties,
// then exits. A later Enqueue starts a fresh worker.
func (q *LaneQueue) drain(laneID string) {
	for {
		q.mu.Lock()
		entries := q.queues[laneID]
		if len(entries) == 0 {
			delete(q.queues, laneID)
			delete(q.active, laneID)
			q.mu.Unlock()
			return
		}
		entry := entries[0]
		q.queues[laneID] = entries[1:]
		q.mu.Unlock()

		q.run(entry)
	}
}

// run executes a single entry. The write-ahead record is removed whether
// the handler succeeds, fails, or panics.
func (q *LaneQueue) run(entry laneEntry) {
	defer q.store.Complete(entry.item.ID)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("lane handler panicked", "lane", entry.item.LaneID, "id", entry.item.ID, "panic", r)
		}
	}()
	if err := entry.handler(q.baseCtx, entry.item); err != nil {
		q.logger.Error("lane handler failed", "lane", entry.item.LaneID, "id", entry.item.ID, "error", err)
	}
}

// QueueDepth reports how many items are waiting on a lane, excluding the
// one currently running.
func (q *LaneQueue) QueueDepth(laneID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[laneID])
}

// IsActive reports whether a worker is currently bound to the lane.
func (q *LaneQueue) IsActive(laneID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[laneID]
}

// Snapshot returns the status of every lane with queued or running work.
func (q *LaneQueue) Snapshot() map[string]LaneStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := make(map[string]LaneStatus, len(q.active))
	for lane := range q.active {
		snap[lane] = LaneStatus{Depth: len(q.queues[lane]), Active: true}
	}
	return snap
}
