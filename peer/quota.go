package peer

import (
	"fmt"
	"sync"
)

// ErrQuotaExceeded is returned when a reservation would exceed the
// peer's advertised quota.
var ErrQuotaExceeded = fmt.Errorf("peer: quota exceeded")

// Quota tracks a peer's advertised willingness to store bytes on our
// behalf against bytes currently used: a fixed-capacity reservation
// counter, not a refilling rate limiter.
type Quota struct {
	mu    sync.Mutex
	total uint64
	used  uint64
}

// NewQuota constructs a Quota with the given total capacity in bytes.
func NewQuota(total uint64) *Quota {
	return &Quota{total: total}
}

// Reserve checks that used+n does not exceed total and, if so, commits
// the reservation. Callers reserve before sending so a failed
// reservation sends no bytes.
func (q *Quota) Reserve(n uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used+n > q.total {
		return ErrQuotaExceeded
	}
	q.used += n
	return nil
}

// Release gives back n bytes of previously reserved capacity, used on
// Free.
func (q *Quota) Release(n uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.used {
		q.used = 0
		return
	}
	q.used -= n
}

// Update changes the total quota (control command UpdatePeerQuota).
func (q *Quota) Update(total uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.total = total
}

// Snapshot returns (total, used).
func (q *Quota) Snapshot() (total, used uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total, q.used
}
