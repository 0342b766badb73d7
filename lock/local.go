package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultPartitions = 64

// Local is an in-process Locker.  Keys are spread over partitions by hash so unrelated tenants do not contend
// on one mutex; per-key state is dropped once nobody holds or waits for the key.
type Local struct {
	partitions []*partition
}

type partition struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return NewLocalWithPartitions(defaultPartitions)
}

func NewLocalWithPartitions(n int) *Local {
	if n < 1 {
		n = 1
	}
	parts := make([]*partition, n)
	for i := range parts {
		parts[i] = &partition{keys: make(map[string]*keyLock)}
	}
	return &Local{partitions: parts}
}

// Lock implements Locker.  An in-process lock is never lost, so the held context only ends with ctx or unlock.
func (l *Local) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	p := l.partition(key)
	kl := p.acquireRef(key)

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		p.releaseRef(key, kl)
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrLockHeld, key, ctx.Err())
	}

	held, cancel := context.WithCancel(ctx)
	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel()
			<-kl.ch
			p.releaseRef(key, kl)
		})
	}, nil
}

// Held reports whether key is currently locked.
func (l *Local) Held(key string) bool {
	p := l.partition(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	kl, ok := p.keys[key]
	return ok && len(kl.ch) == 1
}

// Count returns the number of keys with holders or waiters.
func (l *Local) Count() int {
	var n int
	for _, p := range l.partitions {
		p.mu.Lock()
		n += len(p.keys)
		p.mu.Unlock()
	}
	return n
}

func (l *Local) partition(key string) *partition {
	return l.partitions[xxhash.Sum64String(key)%uint64(len(l.partitions))]
}

func (p *partition) acquireRef(key string) *keyLock {
	p.mu.Lock()
	defer p.mu.Unlock()

	kl, ok := p.keys[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		p.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (p *partition) releaseRef(key string, kl *keyLock) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(p.keys, key)
	}
}
