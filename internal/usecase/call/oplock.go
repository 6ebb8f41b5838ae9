package call

import (
	"context"
	"sync"
)

// opLocker serializes Driver operations per call ID. Carrier webhooks and
// media callbacks never take these locks; only initiate/continue/speak/end
// contend here, so a slow turn on one call cannot stall another call.
type opLocker struct {
	mu    sync.Mutex
	locks map[string]*opLock
}

type opLock struct {
	ch   chan struct{}
	refs int
}

func newOpLocker() *opLocker {
	return &opLocker{locks: make(map[string]*opLock)}
}

// Lock acquires the per-call lock, honoring context cancellation while
// waiting. The returned release function must be called exactly once.
func (l *opLocker) Lock(ctx context.Context, callID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[callID]
	if !ok {
		entry = &opLock{ch: make(chan struct{}, 1)}
		l.locks[callID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return func() { l.release(callID, entry, true) }, nil
	case <-ctx.Done():
		l.release(callID, entry, false)
		return nil, ctx.Err()
	}
}

func (l *opLocker) release(callID string, entry *opLock, held bool) {
	if held {
		<-entry.ch
	}
	l.mu.Lock()
	entry.refs--
	if entry.refs <= 0 {
		delete(l.locks, callID)
	}
	l.mu.Unlock()
}

// ActiveCount reports how many calls currently have waiters or holders.
func (l *opLocker) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
