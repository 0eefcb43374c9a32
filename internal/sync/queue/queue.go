// Package queue holds committed modifications waiting for an immediate push.
//
// The database is the durable record of what must be pushed; the queue only
// lets a commit be pushed without waiting for the next scheduled tick. A
// dropped or lost entry is picked up by the following tick.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

// ItemStatus represents the status of a queued push.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "in_progress"
)

// Item is one modification waiting to be pushed.
type Item struct {
	ModificationID models.UUID `json:"modification_id"`
	OrganizationID string      `json:"organization_id"`
	Status         ItemStatus  `json:"status"`
	Attempts       int         `json:"attempts"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`

	seq     uint64
	requeue bool
}

// PushQueue is a deduplicating FIFO of modification ids. Enqueuing an id
// that is already pending is a no-op; enqueuing one that is in progress
// schedules exactly one more pass after it completes.
type PushQueue struct {
	items    map[models.UUID]*Item
	mu       sync.Mutex
	notEmpty *sync.Cond
	maxSize  int
	seq      uint64
	logger   *logging.Logger
}

// NewPushQueue creates a queue holding at most maxSize distinct ids.
func NewPushQueue(maxSize int, logger *logging.Logger) *PushQueue {
	if logger == nil {
		logger = logging.Get()
	}
	q := &PushQueue{
		items:   make(map[models.UUID]*Item),
		maxSize: maxSize,
		logger:  logger.With(map[string]interface{}{"component": "push_queue"}),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a modification. It reports whether a new entry was created.
func (q *PushQueue) Enqueue(id models.UUID, organizationID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.items[id]; ok {
		if item.Status == StatusInProgress {
			item.requeue = true
		}
		return false, nil
	}

	if len(q.items) >= q.maxSize {
		return false, apperrors.Newf(apperrors.ErrInvalid, "push queue is full (max size: %d)", q.maxSize)
	}

	q.seq++
	q.items[id] = &Item{
		ModificationID: id,
		OrganizationID: organizationID,
		Status:         StatusPending,
		EnqueuedAt:     time.Now(),
		seq:            q.seq,
	}
	q.notEmpty.Signal()

	q.logger.Debug("Enqueued push", map[string]interface{}{
		"modification_id": id.String(),
		"organization_id": organizationID,
	})
	return true, nil
}

// next claims the oldest pending item. Callers hold q.mu.
func (q *PushQueue) next() *Item {
	var ready *Item
	for _, item := range q.items {
		if item.Status != StatusPending {
			continue
		}
		if ready == nil || item.seq < ready.seq {
			ready = item
		}
	}
	if ready == nil {
		return nil
	}
	ready.Status = StatusInProgress
	ready.Attempts++
	claimed := *ready
	return &claimed
}

// DequeueBlocking waits until an item is pending or ctx is done. It
// returns nil only when ctx is done.
func (q *PushQueue) DequeueBlocking(ctx context.Context) *Item {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if item := q.next(); item != nil {
			return item
		}
		q.notEmpty.Wait()
	}
}

// Complete releases an in-progress item. If it was enqueued again while in
// progress it goes back to pending at the end of the line.
func (q *PushQueue) Complete(id models.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return
	}
	if item.requeue {
		q.seq++
		item.seq = q.seq
		item.requeue = false
		item.Status = StatusPending
		q.notEmpty.Signal()
		return
	}
	delete(q.items, id)
}

// List returns copies of the items of one organization in queue order.
// An empty organizationID lists every item.
func (q *PushQueue) List(organizationID string) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		if organizationID != "" && item.OrganizationID != organizationID {
			continue
		}
		copied := *item
		items = append(items, &copied)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	return items
}

// Stats counts items by status.
func (q *PushQueue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := map[string]int{
		"total":       len(q.items),
		"pending":     0,
		"in_progress": 0,
	}
	for _, item := range q.items {
		stats[string(item.Status)]++
	}
	return stats
}
