package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/queue-engine/internal/store"
)

// keyedLocks provides one serialized region per key. Acquisition is bounded:
// a caller that cannot take all requested keys before the timeout backs out
// of everything it holds and fails with ErrLockTimeout.
type keyedLocks struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{sems: make(map[string]chan struct{})}
}

func (l *keyedLocks) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[key] = sem
	}
	return sem
}

// acquire takes every key in sorted order, so two callers contending on the
// same key set cannot deadlock. The returned release must be called exactly
// once.
func (l *keyedLocks) acquire(ctx context.Context, timeout time.Duration, keys ...string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	deadline := time.Now().Add(timeout)
	var held []chan struct{}
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, key := range sorted {
		sem := l.sem(key)
		timer := time.NewTimer(time.Until(deadline))
		select {
		case sem <- struct{}{}:
			timer.Stop()
			held = append(held, sem)
		case <-timer.C:
			release()
			return nil, store.ErrLockTimeout
		case <-ctx.Done():
			timer.Stop()
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
