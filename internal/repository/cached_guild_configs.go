package repository

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onurcolak/link-relay/internal/domain"
)

type guildConfigSource interface {
	Get(ctx context.Context, guildID string) (*domain.GuildConfig, error)
}

type cachedConfig struct {
	cfg       *domain.GuildConfig
	expiresAt time.Time
}

// CachedGuildConfigs is a read-through cache in front of the guild config
// table. Unconfigured guilds are cached too. Callers get their own copy.
type CachedGuildConfigs struct {
	source guildConfigSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedConfig
	group   singleflight.Group
}

func NewCachedGuildConfigs(source guildConfigSource, ttl time.Duration) *CachedGuildConfigs {
	return &CachedGuildConfigs{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedConfig),
	}
}

func (c *CachedGuildConfigs) Get(ctx context.Context, guildID string) (*domain.GuildConfig, error) {
	c.mu.RLock()
	entry, ok := c.entries[guildID]
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expiresAt) {
		return clone(entry.cfg), nil
	}

	v, err, _ := c.group.Do(guildID, func() (any, error) {
		cfg, err := c.source.Get(ctx, guildID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[guildID] = cachedConfig{cfg: cfg, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()

		return cfg, nil
	})
	if err != nil {
		return nil, err
	}

	return clone(v.(*domain.GuildConfig)), nil
}

// Invalidate drops the cached config of guildID after an admin write.
func (c *CachedGuildConfigs) Invalidate(guildID string) {
	c.mu.Lock()
	delete(c.entries, guildID)
	c.mu.Unlock()
}

func clone(cfg *domain.GuildConfig) *domain.GuildConfig {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.ExcludedDomains = append([]string(nil), cfg.ExcludedDomains...)
	return &out
}
