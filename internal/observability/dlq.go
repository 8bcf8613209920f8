package observability

import (
	"sync"
	"time"
)

// DeadLetter describes a message that exhausted its delivery attempts.
type DeadLetter struct {
	MessageID string    `json:"messageId"`
	Kind      string    `json:"kind"`
	EntityID  string    `json:"entityId"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	At        time.Time `json:"at"`
}

// DeadLetterQueue keeps the most recent dead letters for inspection.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	letters  []DeadLetter
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.letters = make([]DeadLetter, 0)
	return queue
}

// Offer records a dead letter in the DLQ.
func (q *DeadLetterQueue) Offer(letter DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.letters) >= q.capacity {
		// Drop oldest letter to make space for new record.
		copy(q.letters[0:], q.letters[1:])
		q.letters[len(q.letters)-1] = letter
		return
	}
	q.letters = append(q.letters, letter)
}

// Snapshot copies the queued dead letters without clearing them.
func (q *DeadLetterQueue) Snapshot() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.letters))
	copy(out, q.letters)
	return out
}

// Drain retrieves and clears all queued dead letters.
func (q *DeadLetterQueue) Drain() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]DeadLetter, len(q.letters))
	copy(drained, q.letters)
	q.letters = q.letters[:0]
	return drained
}

// Len returns the number of queued dead letters.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.letters)
}
