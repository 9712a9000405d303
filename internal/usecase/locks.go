package usecase

import (
	"sync"

	"CatalogPipeline/internal/domain"
)

// keyedMutex serializes writes per fingerprint. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[domain.Fingerprint]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[domain.Fingerprint]*refLock{}}
}

// Lock blocks until fp is free and returns its unlock func.
func (k *keyedMutex) Lock(fp domain.Fingerprint) func() {
	k.mu.Lock()
	l, ok := k.locks[fp]
	if !ok {
		l = &refLock{}
		k.locks[fp] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, fp)
		}
		k.mu.Unlock()
	}
}

// breaker trips after threshold consecutive failures and stays open.
type breaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	open        bool
}

func newBreaker(threshold int) *breaker {
	return &breaker{threshold: threshold}
}

// Record notes one outcome and reports whether this call tripped the breaker.
func (b *breaker) Record(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutive = 0
		return false
	}
	b.consecutive++
	if !b.open && b.threshold > 0 && b.consecutive >= b.threshold {
		b.open = true
		return true
	}
	return false
}

func (b *breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
