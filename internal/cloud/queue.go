package cloud

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/infra/metrics"
)

// queuedRequest is one deferred event-class request and its caller's
// future.
type queuedRequest struct {
	path    string
	payload any
	out     any
	done    chan error
}

// requestQueue is the bounded offline queue. Producers enqueue from any
// goroutine; the single consumer is the client's Run loop. When full,
// the oldest entry is dropped and its future fails with "queue full".
type requestQueue struct {
	mu    sync.Mutex
	items []*queuedRequest
	max   int
	wake  chan struct{}
}

func newRequestQueue(max int) *requestQueue {
	return &requestQueue{
		max:  max,
		wake: make(chan struct{}, 1),
	}
}

func (q *requestQueue) push(r *queuedRequest) {
	q.mu.Lock()
	var dropped *queuedRequest
	if len(q.items) >= q.max {
		dropped = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, r)
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	if dropped != nil {
		log.Printf("[cloud] offline queue full, dropping oldest (%s)", dropped.path)
		dropped.done <- domain.ErrQueueFull
	}
}

func (q *requestQueue) pop() *queuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items = q.items[1:]
	metrics.QueueDepth.Set(float64(len(q.items)))
	return r
}

// requeue puts a failed drain back at the tail.
func (q *requestQueue) requeue(r *queuedRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, r)
	metrics.QueueDepth.Set(float64(len(q.items)))
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wakeup nudges the consumer; coalesced if one is already pending.
func (q *requestQueue) wakeup() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// failAll resolves every pending future with err. Used at teardown.
func (q *requestQueue) failAll(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	metrics.QueueDepth.Set(0)
	q.mu.Unlock()

	for _, r := range items {
		r.done <- err
	}
}

// ─── Client-side queueing ───────────────────────────────────────────────────

// enqueue parks an event-class request and waits for the drain to
// resolve it.
func (c *Client) enqueue(ctx context.Context, path string, payload, out any) error {
	r := &queuedRequest{
		path:    path,
		payload: payload,
		out:     out,
		done:    make(chan error, 1),
	}
	c.queue.push(r)
	log.Printf("[cloud] offline, queued %s (%d waiting)", path, c.queue.len())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-r.done:
		return err
	}
}

// QueueLen reports the offline queue depth.
func (c *Client) QueueLen() int {
	return c.queue.len()
}

// Run is the queue's single consumer: it drains on every connected
// transition and resolves pending futures at teardown. Call in a
// goroutine.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.queue.failAll(fmt.Errorf("gateway shutting down: %w", ctx.Err()))
			return
		case <-c.queue.wake:
			c.drain(ctx)
		}
	}
}

// drain sends queued requests in insertion order. A round processes at
// most the queue length at entry; failed drains are re-queued at the
// tail and wait for the next connected transition.
func (c *Client) drain(ctx context.Context) {
	n := c.queue.len()
	if n == 0 {
		return
	}
	log.Printf("[cloud] draining %d queued requests", n)

	for i := 0; i < n; i++ {
		if !c.IsOnline() || ctx.Err() != nil {
			return
		}
		r := c.queue.pop()
		if r == nil {
			return
		}
		err := c.do(ctx, http.MethodPost, r.path, r.payload, r.out)
		var apiErr *APIError
		if err != nil && !errors.As(err, &apiErr) {
			// Transport failure: back at the tail, next round retries.
			c.queue.requeue(r)
			continue
		}
		r.done <- err
	}
}
