// Package cache memoizes original→affiliate URL conversions.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/pkg/logger"
)

const (
	LookupHit       = "hit"
	LookupStoreHit  = "store_hit"
	LookupMiss      = "miss"
	LookupCoalesced = "coalesced"
)

// ConvertFunc performs the outbound conversion on a cache miss.
type ConvertFunc func(ctx context.Context, accountID, originalURL string) (string, error)

// Store is an optional second level shared between instances (Valkey).
// GetConversion returns nil, nil on a miss.
type Store interface {
	GetConversion(ctx context.Context, accountID, originalURL string) (*domain.CacheEntry, error)
	SetConversion(ctx context.Context, entry domain.CacheEntry, ttl time.Duration) error
}

type Recorder interface {
	RecordCacheLookup(result string)
}

type entryKey struct {
	accountID string
	url       string
}

// ConversionCache holds at most one live entry per (account id, URL). Misses
// for the same pair are coalesced into a single conversion call.
type ConversionCache struct {
	ttl      time.Duration
	store    Store
	recorder Recorder
	now      func() time.Time

	mu      sync.RWMutex
	entries map[entryKey]domain.CacheEntry

	group singleflight.Group
}

// New creates a cache. store and recorder may be nil.
func New(ttl time.Duration, store Store, recorder Recorder) *ConversionCache {
	return &ConversionCache{
		ttl:      ttl,
		store:    store,
		recorder: recorder,
		now:      time.Now,
		entries:  make(map[entryKey]domain.CacheEntry),
	}
}

// Resolve returns the affiliate URL for originalURL under accountID, calling
// convert only when neither level holds a live entry. Errors are not cached.
func (c *ConversionCache) Resolve(
	ctx context.Context,
	accountID string,
	originalURL string,
	convert ConvertFunc,
) (string, error) {
	if entry, ok := c.lookup(accountID, originalURL); ok {
		c.record(LookupHit)
		return entry.AffiliateURL, nil
	}

	ch := c.group.DoChan(accountID+"\x00"+originalURL, func() (any, error) {
		return c.load(ctx, accountID, originalURL, convert)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.record(LookupCoalesced)
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *ConversionCache) load(
	ctx context.Context,
	accountID string,
	originalURL string,
	convert ConvertFunc,
) (string, error) {
	// A flight that finished just before this one may have filled the entry.
	if entry, ok := c.lookup(accountID, originalURL); ok {
		c.record(LookupHit)
		return entry.AffiliateURL, nil
	}

	if c.store != nil {
		entry, err := c.store.GetConversion(ctx, accountID, originalURL)
		if err != nil {
			logger.Warnf("Conversion store lookup failed for %s: %v", originalURL, err)
		} else if entry != nil && !entry.Expired(c.now()) {
			c.put(*entry)
			c.record(LookupStoreHit)
			return entry.AffiliateURL, nil
		}
	}

	c.record(LookupMiss)

	affiliate, err := convert(ctx, accountID, originalURL)
	if err != nil {
		return "", err
	}

	entry := domain.CacheEntry{
		OriginalURL:  originalURL,
		AffiliateURL: affiliate,
		AccountID:    accountID,
		ExpiresAt:    c.now().Add(c.ttl),
	}
	c.put(entry)

	if c.store != nil {
		if err := c.store.SetConversion(ctx, entry, c.ttl); err != nil {
			logger.Warnf("Failed to store conversion of %s: %v", originalURL, err)
		}
	}

	return affiliate, nil
}

func (c *ConversionCache) lookup(accountID, originalURL string) (domain.CacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[entryKey{accountID: accountID, url: originalURL}]
	c.mu.RUnlock()

	if !ok || entry.Expired(c.now()) {
		return domain.CacheEntry{}, false
	}
	return entry, true
}

func (c *ConversionCache) put(entry domain.CacheEntry) {
	c.mu.Lock()
	c.entries[entryKey{accountID: entry.AccountID, url: entry.OriginalURL}] = entry
	c.mu.Unlock()
}

// InvalidateAccount drops every entry created for accountID.
func (c *ConversionCache) InvalidateAccount(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if k.accountID == accountID {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Sweep evicts expired entries and returns how many were removed.
func (c *ConversionCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *ConversionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RunJanitor sweeps expired entries every interval until ctx is done.
func (c *ConversionCache) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				logger.Debugf("Conversion cache sweep removed %d expired entries", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *ConversionCache) record(result string) {
	if c.recorder != nil {
		c.recorder.RecordCacheLookup(result)
	}
}
