// Package dispatch holds the shared work queue feeding the delivery worker
// pool: FIFO per campaign, round-robin across campaigns, with work items
// for unsendable sessions deferred in place rather than dropped.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/chatleap/broadcast-backend/internal/metrics"
	"github.com/chatleap/broadcast-backend/internal/models"
)

// SessionGate reports whether a session can carry messages right now.
// Implemented by the session health monitor.
type SessionGate interface {
	Sendable(ctx context.Context, sessionID int64) bool
}

// Queue is the dispatch queue shared by all campaigns.
type Queue struct {
	gate    SessionGate
	limiter *SessionLimiter

	mu     sync.Mutex
	order  []int64                      // campaign round-robin ring
	items  map[int64][]models.WorkItem  // per-campaign FIFO
	queued map[int64]struct{}           // recipient ids currently queued
	cursor int

	wake chan struct{}
	poll time.Duration
}

// NewQueue creates a dispatch queue over the given gate and rate limiter.
func NewQueue(gate SessionGate, limiter *SessionLimiter) *Queue {
	return &Queue{
		gate:    gate,
		limiter: limiter,
		items:   make(map[int64][]models.WorkItem),
		queued:  make(map[int64]struct{}),
		wake:    make(chan struct{}, 1),
		poll:    250 * time.Millisecond,
	}
}

// Enqueue adds a work item. Enqueueing a recipient that is already queued
// is rejected, which makes seeding and the retry sweep idempotent.
func (q *Queue) Enqueue(item models.WorkItem) bool {
	q.mu.Lock()
	if _, dup := q.queued[item.RecipientID]; dup {
		q.mu.Unlock()
		return false
	}

	if _, ok := q.items[item.CampaignID]; !ok {
		q.order = append(q.order, item.CampaignID)
	}
	q.items[item.CampaignID] = append(q.items[item.CampaignID], item)
	q.queued[item.RecipientID] = struct{}{}
	q.mu.Unlock()

	metrics.QueueDepth.Inc()
	q.Notify()
	return true
}

// Dequeue blocks until a work item whose session is sendable (and within
// its rate limit) is available, or the context ends. Gated items stay
// queued and are picked up once their session reports connected again.
func (q *Queue) Dequeue(ctx context.Context) (models.WorkItem, error) {
	for {
		q.mu.Lock()
		item, ok := q.next(ctx)
		q.mu.Unlock()

		if ok {
			metrics.QueueDepth.Dec()
			return item, nil
		}

		select {
		case <-ctx.Done():
			return models.WorkItem{}, ctx.Err()
		case <-q.wake:
		case <-time.After(q.poll):
			// periodic re-check for token refills and lease expiries
		}
	}
}

// DropCampaign removes all queued items for a campaign; used on cancel.
// In-flight items already handed to workers are unaffected.
func (q *Queue) DropCampaign(campaignID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	fifo, ok := q.items[campaignID]
	if !ok {
		return 0
	}

	for _, item := range fifo {
		delete(q.queued, item.RecipientID)
	}
	delete(q.items, campaignID)
	q.removeFromOrder(campaignID)

	metrics.QueueDepth.Sub(float64(len(fifo)))
	return len(fifo)
}

// Len returns the number of queued work items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, fifo := range q.items {
		n += len(fifo)
	}
	return n
}

// Notify wakes a blocked Dequeue; the session monitor calls it when a
// session comes back.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next scans campaigns round-robin from the cursor, and within each
// campaign takes the first item whose session is sendable and has a rate
// token. Caller holds q.mu.
func (q *Queue) next(ctx context.Context) (models.WorkItem, bool) {
	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		campaignID := q.order[idx]
		fifo := q.items[campaignID]

		for j, item := range fifo {
			if !q.gate.Sendable(ctx, item.SessionID) {
				continue
			}
			if !q.limiter.Allow(item.SessionID) {
				continue
			}

			q.items[campaignID] = append(fifo[:j:j], fifo[j+1:]...)
			delete(q.queued, item.RecipientID)

			if len(q.items[campaignID]) == 0 {
				delete(q.items, campaignID)
				q.removeFromOrder(campaignID)
			} else {
				q.cursor = (idx + 1) % n
			}
			return item, true
		}
	}
	return models.WorkItem{}, false
}

// removeFromOrder drops a campaign from the ring and keeps the cursor on
// the campaign that slid into its slot. Caller holds q.mu.
func (q *Queue) removeFromOrder(campaignID int64) {
	for i, id := range q.order {
		if id != campaignID {
			continue
		}
		q.order = append(q.order[:i], q.order[i+1:]...)
		if len(q.order) == 0 {
			q.cursor = 0
		} else {
			q.cursor = q.cursor % len(q.order)
		}
		return
	}
}
