// Package config assembles the relay configuration from compiled defaults, an
// optional YAML file, a .env file and the process environment, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mansion/relay/internal/messaging"
	"github.com/mansion/relay/internal/ws"
)

// RedisConfig addresses the shared key-value store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PresenceConfig controls presence record lifetime.
type PresenceConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// MailboxConfig controls the store-and-forward queue.
type MailboxConfig struct {
	MessageTTL    time.Duration `yaml:"messageTTL"`
	AckWait       time.Duration `yaml:"ackWait"`
	DrainWait     time.Duration `yaml:"drainWait"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	DeadLetterTTL time.Duration `yaml:"deadLetterTTL"`
}

// LimitsConfig holds the optional per-user throttles.
type LimitsConfig struct {
	SendLimit   int           `yaml:"sendLimit"` // 0 disables
	SendWindow  time.Duration `yaml:"sendWindow"`
	TypingRate  float64       `yaml:"typingRate"` // signals per second
	TypingBurst int           `yaml:"typingBurst"`
}

// LogConfig selects logrus level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete process configuration.
type Config struct {
	Server            ws.ServerConfig      `yaml:"server"`
	ServerName        string               `yaml:"serverName"`
	Redis             RedisConfig          `yaml:"redis"`
	NATS              messaging.NATSConfig `yaml:"nats"`
	JWTSecret         string               `yaml:"jwtSecret"`
	Presence          PresenceConfig       `yaml:"presence"`
	Mailbox           MailboxConfig        `yaml:"mailbox"`
	Limits            LimitsConfig         `yaml:"limits"`
	RouteTimeout      time.Duration        `yaml:"routeTimeout"`
	BroadcastPresence bool                 `yaml:"broadcastPresence"`
	Log               LogConfig            `yaml:"log"`
	DatabaseURL       string               `yaml:"databaseURL"`
}

// Default returns the compiled defaults.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "relay-1"
	}
	return Config{
		Server:     ws.DefaultServerConfig(),
		ServerName: host,
		Redis:      RedisConfig{Addr: "localhost:6379"},
		NATS:       messaging.DefaultNATSConfig(),
		Presence: PresenceConfig{
			TTL:       30 * time.Second,
			Heartbeat: 15 * time.Second,
		},
		Mailbox: MailboxConfig{
			MessageTTL:    7 * 24 * time.Hour,
			AckWait:       30 * time.Second,
			DrainWait:     3 * time.Second,
			SweepInterval: time.Minute,
			DeadLetterTTL: 30 * 24 * time.Hour,
		},
		Limits: LimitsConfig{
			SendWindow:  10 * time.Second,
			TypingRate:  5,
			TypingBurst: 10,
		},
		RouteTimeout:      12 * time.Second,
		BroadcastPresence: true,
		Log:               LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path names an optional YAML file; when
// empty, CONFIG_FILE is consulted. A missing .env file is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides cfg with every recognised variable that is set.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	e.integer("WORKER_POOL_SIZE", &cfg.Server.WorkerPoolSize)
	e.integer("MAX_CONNECTIONS", &cfg.Server.MaxConnections)
	e.duration("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	e.duration("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	e.str("SERVER_NAME", &cfg.ServerName)

	e.str("REDIS_ADDR", &cfg.Redis.Addr)
	e.str("REDIS_PASSWORD", &cfg.Redis.Password)
	e.integer("REDIS_DB", &cfg.Redis.DB)
	e.str("NATS_URL", &cfg.NATS.URL)
	e.str("JWT_SECRET", &cfg.JWTSecret)

	e.duration("PRESENCE_TTL", &cfg.Presence.TTL)
	e.duration("PRESENCE_HEARTBEAT", &cfg.Presence.Heartbeat)

	e.duration("MAILBOX_MESSAGE_TTL", &cfg.Mailbox.MessageTTL)
	e.duration("MAILBOX_ACK_WAIT", &cfg.Mailbox.AckWait)
	e.duration("MAILBOX_DRAIN_WAIT", &cfg.Mailbox.DrainWait)
	e.duration("MAILBOX_SWEEP_INTERVAL", &cfg.Mailbox.SweepInterval)
	e.duration("DEADLETTER_TTL", &cfg.Mailbox.DeadLetterTTL)

	e.duration("ROUTE_TIMEOUT", &cfg.RouteTimeout)
	e.integer("SEND_RATE_LIMIT", &cfg.Limits.SendLimit)
	e.duration("SEND_RATE_WINDOW", &cfg.Limits.SendWindow)
	e.float("TYPING_RATE", &cfg.Limits.TypingRate)
	e.integer("TYPING_BURST", &cfg.Limits.TypingBurst)
	e.boolean("BROADCAST_PRESENCE", &cfg.BroadcastPresence)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)
	e.str("DATABASE_URL", &cfg.DatabaseURL)

	return e.err()
}

// ValidateRelay checks the settings the relay process depends on.
func (c Config) ValidateRelay() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.ServerName == "" {
		errs = append(errs, errors.New("SERVER_NAME must not be empty"))
	}
	if strings.ContainsAny(c.ServerName, ".*> \t") {
		errs = append(errs, fmt.Errorf("SERVER_NAME %q must not contain '.', '*', '>' or whitespace", c.ServerName))
	}
	if c.Server.WorkerPoolSize <= 0 || c.Server.MaxConnections <= 0 {
		errs = append(errs, errors.New("worker pool size and max connections must be positive"))
	}
	if c.Presence.TTL <= 0 || c.Presence.Heartbeat <= 0 {
		errs = append(errs, errors.New("presence TTL and heartbeat must be positive"))
	} else if c.Presence.Heartbeat >= c.Presence.TTL {
		errs = append(errs, fmt.Errorf("presence heartbeat %s must be shorter than TTL %s",
			c.Presence.Heartbeat, c.Presence.TTL))
	}
	if c.Mailbox.AckWait <= 0 || c.Mailbox.DrainWait < 0 || c.Mailbox.SweepInterval <= 0 {
		errs = append(errs, errors.New("mailbox ack wait and sweep interval must be positive"))
	}
	if c.RouteTimeout <= c.Server.WriteTimeout {
		errs = append(errs, fmt.Errorf("route timeout %s must exceed write timeout %s",
			c.RouteTimeout, c.Server.WriteTimeout))
	}
	if c.Limits.SendLimit < 0 {
		errs = append(errs, errors.New("send rate limit must not be negative"))
	}
	if c.Limits.SendLimit > 0 && c.Limits.SendWindow <= 0 {
		errs = append(errs, errors.New("send rate window must be positive when a limit is set"))
	}
	if c.Limits.TypingRate <= 0 || c.Limits.TypingBurst <= 0 {
		errs = append(errs, errors.New("typing rate and burst must be positive"))
	}
	errs = append(errs, c.validateStreams()...)
	return joinErrs(errs)
}

// ValidateArchiver checks the settings the dead-letter archiver depends on.
func (c Config) ValidateArchiver() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	errs = append(errs, c.validateStreams()...)
	return joinErrs(errs)
}

func (c Config) validateStreams() []error {
	var errs []error
	if c.Mailbox.MessageTTL <= 0 {
		errs = append(errs, errors.New("mailbox message TTL must be positive"))
	}
	if c.Mailbox.DeadLetterTTL <= 0 {
		errs = append(errs, errors.New("dead-letter TTL must be positive"))
	}
	return errs
}

func joinErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// envReader collects malformed variables so they are reported together.
type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) err() error {
	return joinErrs(e.errs)
}
