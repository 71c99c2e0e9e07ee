package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// lockEntry: мьютекс полиса и число его владельцев/ожидающих.
type lockEntry struct {
	ch   chan struct{}
	refs int
}

// Locker: in-memory реализация PolicyLocker на основе мьютекса на каждый полис.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewLocker создаёт блокировщик полисов для одного процесса.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

// Lock ждёт освобождения полиса или отмены контекста.
func (l *Locker) Lock(ctx context.Context, policyID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[policyID]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[policyID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(policyID, entry)
		return nil, fmt.Errorf("%w: %w", domain.ErrLockUnavailable, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			l.release(policyID, entry)
		})
	}, nil
}

func (l *Locker) release(policyID string, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, policyID)
	}
}

var _ domain.PolicyLocker = (*Locker)(nil)
