package engine

import "sync"

// jobLocks serializes all operations on a single job while letting distinct
// jobs proceed in parallel. This is what rules out double release and
// out-of-order milestone advancement under concurrent inbound operations.
// Entries are never evicted: one mutex per job id ever touched is a few
// dozen bytes, and completed jobs still accept reads and dispute payouts.
type jobLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newJobLocks() *jobLocks {
	return &jobLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the mutex for a job id and returns the unlock func.
func (l *jobLocks) acquire(jobID string) func() {
	l.mu.Lock()
	m, ok := l.locks[jobID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[jobID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
