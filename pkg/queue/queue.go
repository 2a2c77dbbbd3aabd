package queue

import (
	"sync"
	"time"
)

// Notification is a reminder whose delivery failed and waits for another try.
// The message text is not kept; it is rendered again when the retry is due.
type Notification struct {
	ID         string
	LoanID     string
	Kind       string
	Recipient  string
	RetryAt    time.Time
	RetryCount int
	MaxRetries int
}

// Exhausted reports whether the notification used up its retries.
func (n *Notification) Exhausted() bool {
	return n.RetryCount >= n.MaxRetries
}

type Queue struct {
	items []*Notification
	mu    sync.Mutex
}

func NewQueue() *Queue {
	return &Queue{
		items: make([]*Notification, 0),
	}
}

func (q *Queue) Enqueue(n *Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, n)
}

// DequeueDue removes every notification due at now, keeping enqueue order.
func (q *Queue) DequeueDue(now time.Time) []*Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Notification
	pending := q.items[:0]
	for _, n := range q.items {
		if n.RetryAt.After(now) {
			pending = append(pending, n)
		} else {
			due = append(due, n)
		}
	}
	clear(q.items[len(pending):])
	q.items = pending
	return due
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
