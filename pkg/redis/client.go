package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/onurcolak/link-relay/environments"
	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/pkg/logger"
	"github.com/valkey-io/valkey-go"
)

type Client struct {
	client valkey.Client
}

const (
	conversionKeyPrefix = "relay:conversion:"
	lockKeyPrefix       = "relay:lock:"
	processedKeyPrefix  = "relay:processed:"
	haltKeyPrefix       = "relay:halt:"
)

// Deletes the lock only while it still holds the caller's token.
var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisClient(cfg environments.RedisConfig) (*Client, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Valkey client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infof("Connected to Redis (via Valkey client)")

	return &Client{client: client}, nil
}

// GetConversion returns nil, nil when no entry is stored.
func (c *Client) GetConversion(ctx context.Context, accountID, originalURL string) (*domain.CacheEntry, error) {
	result := c.client.Do(ctx, c.client.B().Get().Key(conversionKey(accountID, originalURL)).Build())
	if result.Error() != nil {
		if valkey.IsValkeyNil(result.Error()) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conversion: %w", result.Error())
	}

	data, err := result.ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversion: %w", err)
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversion: %w", err)
	}

	return &entry, nil
}

func (c *Client) SetConversion(ctx context.Context, entry domain.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal conversion: %w", err)
	}

	key := conversionKey(entry.AccountID, entry.OriginalURL)

	err = c.client.Do(ctx, c.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to cache conversion: %w", err)
	}

	logger.Debugf("Cached conversion %s -> %s in Redis", entry.OriginalURL, entry.AffiliateURL)

	return nil
}

// AcquireLock takes the processing lock of a message. It returns the token
// to release it with, or ok=false if another holder owns the lock or the
// message was already processed.
func (c *Client) AcquireLock(ctx context.Context, messageID string, ttl time.Duration) (string, bool, error) {
	processed, err := c.WasProcessed(ctx, messageID)
	if err != nil {
		return "", false, err
	}
	if processed {
		return "", false, nil
	}

	token := uuid.NewString()

	err = c.client.Do(ctx, c.client.B().Set().Key(lockKeyPrefix+messageID).Value(token).Nx().Px(ttl).Build()).Error()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return token, true, nil
}

func (c *Client) ReleaseLock(ctx context.Context, messageID, token string) error {
	err := releaseScript.Exec(ctx, c.client, []string{lockKeyPrefix + messageID}, []string{token}).Error()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// MarkProcessed remembers messageID for ttl so redeliveries are dropped.
func (c *Client) MarkProcessed(ctx context.Context, messageID string, ttl time.Duration) error {
	err := c.client.Do(ctx, c.client.B().Set().Key(processedKeyPrefix+messageID).Value("1").Px(ttl).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}

func (c *Client) WasProcessed(ctx context.Context, messageID string) (bool, error) {
	n, err := c.client.Do(ctx, c.client.B().Exists().Key(processedKeyPrefix+messageID).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker: %w", err)
	}
	return n > 0, nil
}

// HaltGuild records that a guild stopped on a configuration error.
func (c *Client) HaltGuild(ctx context.Context, guildID, reason string) error {
	err := c.client.Do(ctx, c.client.B().Set().Key(haltKeyPrefix+guildID).Value(reason).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to halt guild: %w", err)
	}
	return nil
}

func (c *Client) ResumeGuild(ctx context.Context, guildID string) error {
	err := c.client.Do(ctx, c.client.B().Del().Key(haltKeyPrefix+guildID).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to resume guild: %w", err)
	}
	return nil
}

func (c *Client) IsGuildHalted(ctx context.Context, guildID string) (bool, error) {
	n, err := c.client.Do(ctx, c.client.B().Exists().Key(haltKeyPrefix+guildID).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check guild halt: %w", err)
	}
	return n > 0, nil
}

func (c *Client) Close() error {
	c.client.Close()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Ping().Build()).Error()
}

func conversionKey(accountID, originalURL string) string {
	return conversionKeyPrefix + accountID + ":" + originalURL
}
