package service

import (
	"hash/fnv"
	"sync"
)

// requestLocks serializes mutations per request without a global mutex.
// Lock striping keeps the arena bounded; two requests hashing to the same
// stripe merely share a mutex, they never corrupt each other.
type requestLocks struct {
	stripes []sync.Mutex
}

func newRequestLocks(n int) *requestLocks {
	if n < 1 {
		n = 128
	}
	return &requestLocks{stripes: make([]sync.Mutex, n)}
}

func (l *requestLocks) lock(requestID string) func() {
	h := fnv.New32a()
	h.Write([]byte(requestID)) //nolint:errcheck
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
