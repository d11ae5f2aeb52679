package service

import (
	"context"
	"sync"
	"time"

	"github.com/onurcolak/link-relay/pkg/logger"
)

// Locker admits a message id to the pipeline at most once. TryLock fails
// while the id is being processed and for a while after it completed.
// Calling release marks the id completed.
type Locker interface {
	TryLock(ctx context.Context, messageID string) (release func(), ok bool)
}

// MemoryLocker guards message ids within one process.
type MemoryLocker struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	done     map[string]time.Time
}

func NewMemoryLocker(processedTTL time.Duration) *MemoryLocker {
	return &MemoryLocker{
		ttl:      processedTTL,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
		done:     make(map[string]time.Time),
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, messageID string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.inFlight[messageID]; busy {
		return nil, false
	}
	if doneAt, ok := l.done[messageID]; ok && l.now().Sub(doneAt) < l.ttl {
		return nil, false
	}

	l.inFlight[messageID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.inFlight, messageID)
			l.done[messageID] = l.now()
			l.mu.Unlock()
		})
	}, true
}

// abandon drops an in-flight id without marking it completed.
func (l *MemoryLocker) abandon(messageID string) {
	l.mu.Lock()
	delete(l.inFlight, messageID)
	l.mu.Unlock()
}

// Sweep forgets completed ids older than the seen-window.
func (l *MemoryLocker) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, doneAt := range l.done {
		if now.Sub(doneAt) >= l.ttl {
			delete(l.done, id)
			removed++
		}
	}
	return removed
}

type lockStore interface {
	AcquireLock(ctx context.Context, messageID string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, messageID, token string) error
	MarkProcessed(ctx context.Context, messageID string, ttl time.Duration) error
}

// SharedLocker extends MemoryLocker across instances through Valkey. When
// Valkey is unreachable it degrades to the local lock.
type SharedLocker struct {
	local        *MemoryLocker
	store        lockStore
	lockTTL      time.Duration
	processedTTL time.Duration
}

func NewSharedLocker(local *MemoryLocker, store lockStore, lockTTL, processedTTL time.Duration) *SharedLocker {
	return &SharedLocker{
		local:        local,
		store:        store,
		lockTTL:      lockTTL,
		processedTTL: processedTTL,
	}
}

func (l *SharedLocker) TryLock(ctx context.Context, messageID string) (func(), bool) {
	releaseLocal, ok := l.local.TryLock(ctx, messageID)
	if !ok {
		return nil, false
	}

	token, ok, err := l.store.AcquireLock(ctx, messageID, l.lockTTL)
	if err != nil {
		logger.Warnf("Shared lock unavailable for message %s, using local lock: %v", messageID, err)
		return releaseLocal, true
	}
	if !ok {
		l.local.abandon(messageID)
		return nil, false
	}

	return func() {
		releaseLocal()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := l.store.MarkProcessed(ctx, messageID, l.processedTTL); err != nil {
			logger.Warnf("Failed to mark message %s processed: %v", messageID, err)
		}
		if err := l.store.ReleaseLock(ctx, messageID, token); err != nil {
			logger.Warnf("Failed to release lock of message %s: %v", messageID, err)
		}
	}, true
}
