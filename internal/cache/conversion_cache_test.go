package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onurcolak/link-relay/internal/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]domain.CacheEntry
	sets    int
}

func (s *fakeStore) GetConversion(ctx context.Context, accountID, originalURL string) (*domain.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[accountID+"|"+originalURL]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (s *fakeStore) SetConversion(ctx context.Context, entry domain.CacheEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries == nil {
		s.entries = make(map[string]domain.CacheEntry)
	}
	s.entries[entry.AccountID+"|"+entry.OriginalURL] = entry
	s.sets++
	return nil
}

func countingConvert(calls *int32, delay time.Duration) ConvertFunc {
	return func(ctx context.Context, accountID, originalURL string) (string, error) {
		atomic.AddInt32(calls, 1)
		time.Sleep(delay)
		return "https://affiliate.example/aff?acc=" + accountID + "&u=" + originalURL, nil
	}
}

func TestResolve_CachesSuccessfulConversion(t *testing.T) {
	var calls int32
	c := New(time.Hour, nil, nil)
	convert := countingConvert(&calls, 0)

	for i := 0; i < 3; i++ {
		got, err := c.Resolve(context.Background(), "12345", "https://example.com/a", convert)
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if got != "https://affiliate.example/aff?acc=12345&u=https://example.com/a" {
			t.Fatalf("unexpected affiliate URL %q", got)
		}
	}

	if calls != 1 {
		t.Fatalf("expected 1 conversion call, got %d", calls)
	}
}

func TestResolve_CoalescesConcurrentMisses(t *testing.T) {
	var calls int32
	c := New(time.Hour, nil, nil)
	convert := countingConvert(&calls, 50*time.Millisecond)

	const n = 20
	start := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := c.Resolve(context.Background(), "12345", "https://example.com/a", convert); err != nil {
				t.Errorf("Resolve returned error: %v", err)
			}
		}()
	}

	close(start)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly 1 conversion call for %d concurrent lookups, got %d", n, calls)
	}
}

func TestResolve_AccountIsPartOfTheKey(t *testing.T) {
	var calls int32
	c := New(time.Hour, nil, nil)
	convert := countingConvert(&calls, 0)

	_, _ = c.Resolve(context.Background(), "1", "https://example.com/a", convert)
	_, _ = c.Resolve(context.Background(), "2", "https://example.com/a", convert)

	if calls != 2 {
		t.Fatalf("expected a conversion per account, got %d", calls)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}

	if removed := c.InvalidateAccount("1"); removed != 1 {
		t.Fatalf("expected 1 entry removed, got %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Len())
	}
}

func TestResolve_ExpiredEntryIsRefreshed(t *testing.T) {
	var calls int32
	now := time.Now()
	c := New(time.Minute, nil, nil)
	c.now = func() time.Time { return now }
	convert := countingConvert(&calls, 0)

	_, _ = c.Resolve(context.Background(), "1", "https://example.com/a", convert)

	now = now.Add(2 * time.Minute)
	_, _ = c.Resolve(context.Background(), "1", "https://example.com/a", convert)

	if calls != 2 {
		t.Fatalf("expected expired entry to trigger a new conversion, got %d calls", calls)
	}

	now = now.Add(2 * time.Minute)
	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("expected sweep to remove 1 entry, got %d", removed)
	}
}

func TestResolve_ErrorsAreNotCached(t *testing.T) {
	c := New(time.Hour, nil, nil)
	calls := 0
	failing := func(ctx context.Context, accountID, originalURL string) (string, error) {
		calls++
		return "", domain.ErrTransient
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Resolve(context.Background(), "1", "https://x.org", failing); !errors.Is(err, domain.ErrTransient) {
			t.Fatalf("expected ErrTransient, got %v", err)
		}
	}

	if calls != 2 {
		t.Fatalf("expected failures to be retried on the next lookup, got %d calls", calls)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
}

func TestResolve_UsesSharedStore(t *testing.T) {
	store := &fakeStore{}
	store.entries = map[string]domain.CacheEntry{
		"1|https://example.com/a": {
			OriginalURL:  "https://example.com/a",
			AffiliateURL: "https://affiliate.example/stored",
			AccountID:    "1",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}

	var calls int32
	c := New(time.Hour, store, nil)

	got, err := c.Resolve(context.Background(), "1", "https://example.com/a", countingConvert(&calls, 0))
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "https://affiliate.example/stored" {
		t.Fatalf("expected stored URL, got %q", got)
	}
	if calls != 0 {
		t.Fatalf("expected no conversion call, got %d", calls)
	}

	if _, err := c.Resolve(context.Background(), "1", "https://example.com/b", countingConvert(&calls, 0)); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if store.sets != 1 {
		t.Fatalf("expected new conversion to be written to the store, got %d writes", store.sets)
	}
}
