package environments

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Discord   DiscordConfig
	Converter ConverterConfig
	Dispatch  DispatchConfig
	Relay     RelayConfig
	Link      LinkConfig
	Kafka     KafkaConfig
	Alert     AlertConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

type DiscordConfig struct {
	APIBase  string
	BotToken string
	Timeout  time.Duration
	// CanEditOthers is set on platforms that let the bot edit any author's message.
	CanEditOthers bool
	WebhookName   string
	MaxUploadSize int64
}

type ConverterConfig struct {
	BaseURL      string
	APIToken     string
	Timeout      time.Duration
	MaxAttempts  int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	CacheTTL     time.Duration
}

// DispatchConfig holds per-destination quotas, in requests per second.
type DispatchConfig struct {
	ConverterRate     float64
	ConverterBurst    int
	WebhookRate       float64
	WebhookBurst      int
	DeleteRate        float64
	DeleteBurst       int
	EditRate          float64
	EditBurst         int
	WebhookAdminRate  float64
	WebhookAdminBurst int
}

type RelayConfig struct {
	ProcessedTTL     time.Duration
	LockTTL          time.Duration
	GuildConfigTTL   time.Duration
	CacheSweepPeriod time.Duration
}

type LinkConfig struct {
	AffiliateDomains []string
	ExcludedDomains  []string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type AlertConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

type AuthConfig struct {
	AdminAPIKey  string
	EventsAPIKey string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: GetEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     GetEnv("DB_HOST", "localhost"),
			Port:     GetEnv("DB_PORT", "3306"),
			User:     GetEnv("DB_USER", "relay"),
			Password: GetEnv("DB_PASSWORD", "relay123"),
			DBName:   GetEnv("DB_NAME", "link_relay"),
		},
		Redis: RedisConfig{
			Enabled:  GetEnvAsBool("REDIS_ENABLED", true),
			Host:     GetEnv("REDIS_HOST", "localhost"),
			Port:     GetEnv("REDIS_PORT", "6379"),
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       GetEnvAsInt("REDIS_DB", 0),
		},
		Discord: DiscordConfig{
			APIBase:       GetEnv("DISCORD_API_BASE", "https://discord.com/api/v10"),
			BotToken:      GetEnv("DISCORD_BOT_TOKEN", ""),
			Timeout:       GetEnvAsDuration("DISCORD_TIMEOUT", 10*time.Second),
			CanEditOthers: GetEnvAsBool("DISCORD_CAN_EDIT_OTHERS", false),
			WebhookName:   GetEnv("DISCORD_WEBHOOK_NAME", "Link Relay"),
			MaxUploadSize: int64(GetEnvAsInt("DISCORD_MAX_UPLOAD_BYTES", 25*1024*1024)),
		},
		Converter: ConverterConfig{
			BaseURL:      GetEnv("CONVERTER_BASE_URL", "https://affiliate.example"),
			APIToken:     GetEnv("CONVERTER_API_TOKEN", ""),
			Timeout:      GetEnvAsDuration("CONVERTER_TIMEOUT", 5*time.Second),
			MaxAttempts:  GetEnvAsInt("CONVERTER_MAX_ATTEMPTS", 4),
			RetryWait:    GetEnvAsDuration("CONVERTER_RETRY_WAIT", 250*time.Millisecond),
			RetryMaxWait: GetEnvAsDuration("CONVERTER_RETRY_MAX_WAIT", 4*time.Second),
			CacheTTL:     GetEnvAsDuration("CONVERSION_CACHE_TTL", 6*time.Hour),
		},
		Dispatch: DispatchConfig{
			ConverterRate:     GetEnvAsFloat("DISPATCH_CONVERTER_RATE", 10),
			ConverterBurst:    GetEnvAsInt("DISPATCH_CONVERTER_BURST", 10),
			WebhookRate:       GetEnvAsFloat("DISPATCH_WEBHOOK_RATE", 5),
			WebhookBurst:      GetEnvAsInt("DISPATCH_WEBHOOK_BURST", 5),
			DeleteRate:        GetEnvAsFloat("DISPATCH_DELETE_RATE", 5),
			DeleteBurst:       GetEnvAsInt("DISPATCH_DELETE_BURST", 5),
			EditRate:          GetEnvAsFloat("DISPATCH_EDIT_RATE", 5),
			EditBurst:         GetEnvAsInt("DISPATCH_EDIT_BURST", 5),
			WebhookAdminRate:  GetEnvAsFloat("DISPATCH_WEBHOOK_ADMIN_RATE", 1),
			WebhookAdminBurst: GetEnvAsInt("DISPATCH_WEBHOOK_ADMIN_BURST", 2),
		},
		Relay: RelayConfig{
			ProcessedTTL:     GetEnvAsDuration("PROCESSED_TTL", 10*time.Minute),
			LockTTL:          GetEnvAsDuration("PROCESSING_LOCK_TTL", 2*time.Minute),
			GuildConfigTTL:   GetEnvAsDuration("GUILD_CONFIG_CACHE_TTL", 30*time.Second),
			CacheSweepPeriod: GetEnvAsDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),
		},
		Link: LinkConfig{
			AffiliateDomains: GetEnvAsList("LINK_AFFILIATE_DOMAINS", []string{
				"affiliate.example", "link-to.net", "linkvertise.com", "up-to-down.net", "direct-link.net",
			}),
			ExcludedDomains: GetEnvAsList("LINK_EXCLUDED_DOMAINS", nil),
		},
		Kafka: KafkaConfig{
			Enabled: GetEnvAsBool("KAFKA_ENABLED", false),
			Brokers: GetEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   GetEnv("KAFKA_TOPIC", "chat.messages.created"),
			GroupID: GetEnv("KAFKA_GROUP_ID", "link-relay"),
		},
		Alert: AlertConfig{
			WebhookURL: GetEnv("ALERT_WEBHOOK_URL", ""),
			Timeout:    GetEnvAsDuration("ALERT_TIMEOUT", 5*time.Second),
		},
		Auth: AuthConfig{
			AdminAPIKey:  GetEnv("ADMIN_API_KEY", ""),
			EventsAPIKey: GetEnv("EVENTS_API_KEY", ""),
		},
	}
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsList splits a comma separated value, dropping empty items.
func GetEnvAsList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
