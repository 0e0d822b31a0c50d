package service

import (
	"context"
	"slices"
	"sync"

	"github.com/okian/tally/internal/domain/model"
)

// keyLocks hands out one lock per owner and year. Every writer of a key's rows
// or totals holds its lock from the read that seeds the totals until the
// write that replaces them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[model.OwnerKey]*keyLock
}

type keyLock struct {
	token chan struct{}
	refs  int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[model.OwnerKey]*keyLock)}
}

// acquire locks every key in OwnerKey order, waiting at most until ctx is
// done. The returned func releases what was taken.
func (l *keyLocks) acquire(ctx context.Context, keys ...model.OwnerKey) (func(), error) {
	keys = slices.Clone(keys)
	slices.SortFunc(keys, model.OwnerKey.Compare)
	keys = slices.Compact(keys)

	held := make([]model.OwnerKey, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
		held = held[:0]
	}
	for _, k := range keys {
		if err := l.lock(ctx, k); err != nil {
			release()
			return nil, err
		}
		held = append(held, k)
	}
	return release, nil
}

func (l *keyLocks) lock(ctx context.Context, k model.OwnerKey) error {
	l.mu.Lock()
	e, ok := l.locks[k]
	if !ok {
		e = &keyLock{token: make(chan struct{}, 1)}
		l.locks[k] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.drop(k, e)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *keyLocks) unlock(k model.OwnerKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[k]
	<-e.token
	l.drop(k, e)
}

// drop must be called with l.mu held.
func (l *keyLocks) drop(k model.OwnerKey, e *keyLock) {
	e.refs--
	if e.refs == 0 {
		delete(l.locks, k)
	}
}

// held reports how many keys have a holder or a waiter.
func (l *keyLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// batchKeys lists the owner and year scopes the rows will write.
func batchKeys(rows []model.Placement) []model.OwnerKey {
	keys := make([]model.OwnerKey, 0, len(rows))
	for i := range rows {
		keys = append(keys, rows[i].Key())
	}
	return keys
}
