package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	DatabaseURL string
	RedisAddr   string

	KafkaBroker string
	KafkaTopic  string

	OtelEndpoint string
	OtelInsecure bool
	LogLevel     string

	MutationMaxRetries int
	EventQueueSize     int
	TopicQueueSize     int
	SessionBuffer      int
	ShutdownTimeout    time.Duration

	// SeedBarcodes lists barcodes created with quantity 0 at startup when missing.
	SeedBarcodes []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":50051")
	v.SetDefault("database_url", "sqlite://inventory.db")
	v.SetDefault("redis_addr", "")
	v.SetDefault("kafka_broker", "")
	v.SetDefault("kafka_topic", "inventory.mutations")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("otel_insecure", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("mutation_max_retries", 3)
	v.SetDefault("event_queue_size", 1024)
	v.SetDefault("topic_queue_size", 256)
	v.SetDefault("session_buffer", 64)
	v.SetDefault("shutdown_timeout", 5*time.Second)
	v.SetDefault("seed_barcodes", "")
}

// flagKeys maps command-line flags to their configuration keys.
var flagKeys = map[string]string{
	"http-addr":    "http_addr",
	"grpc-addr":    "grpc_addr",
	"database-url": "database_url",
	"redis-addr":   "redis_addr",
	"kafka-broker": "kafka_broker",
	"log-level":    "log_level",
}

// RegisterFlags declares the flags Load understands on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("http-addr", "", "HTTP listen address")
	fs.String("grpc-addr", "", "gRPC listen address")
	fs.String("database-url", "", "memory://, sqlite://<path> or mysql://<dsn>")
	fs.String("redis-addr", "", "Redis address for idempotency keys and the event relay")
	fs.String("kafka-broker", "", "Kafka broker for the mutation feed")
	fs.String("log-level", "", "debug, info, warn or error")
}

// Load reads configuration. Later sources win: defaults, the --config file,
// the environment (HTTP_ADDR, DATABASE_URL, ...), then flags set on fs.
// fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPAddr:           v.GetString("http_addr"),
		GRPCAddr:           v.GetString("grpc_addr"),
		DatabaseURL:        v.GetString("database_url"),
		RedisAddr:          v.GetString("redis_addr"),
		KafkaBroker:        v.GetString("kafka_broker"),
		KafkaTopic:         v.GetString("kafka_topic"),
		OtelEndpoint:       v.GetString("otel_endpoint"),
		OtelInsecure:       v.GetBool("otel_insecure"),
		LogLevel:           v.GetString("log_level"),
		MutationMaxRetries: v.GetInt("mutation_max_retries"),
		EventQueueSize:     v.GetInt("event_queue_size"),
		TopicQueueSize:     v.GetInt("topic_queue_size"),
		SessionBuffer:      v.GetInt("session_buffer"),
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
	}
	for _, code := range strings.Split(v.GetString("seed_barcodes"), ",") {
		if code = strings.TrimSpace(code); code != "" {
			cfg.SeedBarcodes = append(cfg.SeedBarcodes, code)
		}
	}

	if cfg.MutationMaxRetries <= 0 {
		return nil, fmt.Errorf("MUTATION_MAX_RETRIES must be positive, got %d", cfg.MutationMaxRetries)
	}
	if cfg.SessionBuffer <= 0 {
		return nil, fmt.Errorf("SESSION_BUFFER must be positive, got %d", cfg.SessionBuffer)
	}
	if _, _, err := cfg.Store(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Store splits DATABASE_URL into a backend kind and its DSN:
// memory://, sqlite://<path>, mysql://<go-sql-driver dsn>.
func (c *Config) Store() (kind, dsn string, err error) {
	scheme, rest, ok := strings.Cut(c.DatabaseURL, "://")
	if !ok {
		return "", "", fmt.Errorf("DATABASE_URL %q: missing scheme", c.DatabaseURL)
	}
	switch scheme {
	case StoreMemory:
		return StoreMemory, "", nil
	case StoreSQLite:
		if rest == "" {
			return "", "", fmt.Errorf("DATABASE_URL %q: missing sqlite path", c.DatabaseURL)
		}
		return StoreSQLite, rest, nil
	case StoreMySQL:
		if rest == "" {
			return "", "", fmt.Errorf("DATABASE_URL %q: missing mysql dsn", c.DatabaseURL)
		}
		if !strings.Contains(rest, "parseTime=") {
			sep := "?"
			if strings.Contains(rest, "?") {
				sep = "&"
			}
			rest += sep + "parseTime=true"
		}
		return StoreMySQL, rest, nil
	default:
		return "", "", fmt.Errorf("DATABASE_URL %q: unsupported scheme %q", c.DatabaseURL, scheme)
	}
}
