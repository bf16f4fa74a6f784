package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Gateway    GatewayConfig
	Sync       SyncConfig
	Worker     WorkerConfig
	Redis      RedisConfig
	Journal    JournalConfig
	Encryption EncryptionConfig
	TLS        TLSConfig
	Firebase   FirebaseConfig
	Telemetry  TelemetryConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
	// DefaultClientUserID is used when a request carries no X-Client-User-Id header.
	DefaultClientUserID string
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	SSLMode           string
	MigrationsEnabled bool
}

type GatewayConfig struct {
	BaseURL      string
	ClientID     string
	Secret       string
	ClientName   string
	Products     []string
	CountryCodes []string
	Language     string
	Timeout      time.Duration
	PageSize     int
}

type SyncConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	LockBackend string // "local" or "redis"
	LockExpiry  time.Duration
}

// WorkerConfig sizes the background pool that runs fan-out link syncs.
type WorkerConfig struct {
	WorkerCount int
	JobDelay    time.Duration
	QueueSize   int
	JobTimeout  time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JournalConfig struct {
	Path string
	TTL  time.Duration
}

type EncryptionConfig struct {
	Key string
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type FirebaseConfig struct {
	CredentialsFile string
	MessagesFile    string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	MetricsPort  string
}

type LogConfig struct {
	Level       string
	Development bool
}

var defaults = map[string]any{
	"PORT":                   "8080",
	"HOST":                   "0.0.0.0",
	"DEFAULT_CLIENT_USER_ID": "local-user",
	"DB_HOST":                "localhost",
	"DB_PORT":                5432,
	"DB_USER":                "finlink",
	"DB_NAME":                "finlink",
	"DB_SSLMODE":             "disable",
	"DB_MIGRATIONS_ENABLED":  true,
	"GATEWAY_BASE_URL":       "https://sandbox.plaid.com",
	"GATEWAY_CLIENT_NAME":    "Finlink",
	"GATEWAY_PRODUCTS":       "transactions",
	"GATEWAY_COUNTRY_CODES":  "US",
	"GATEWAY_LANGUAGE":       "en",
	"GATEWAY_TIMEOUT":        30 * time.Second,
	"GATEWAY_PAGE_SIZE":      500,
	"SYNC_MAX_ATTEMPTS":      5,
	"SYNC_BASE_DELAY":        500 * time.Millisecond,
	"SYNC_MAX_DELAY":         30 * time.Second,
	"SYNC_LOCK_BACKEND":      "local",
	"SYNC_LOCK_EXPIRY":       5 * time.Minute,
	"WORKER_COUNT":           4,
	"WORKER_JOB_DELAY":       100 * time.Millisecond,
	"WORKER_QUEUE_SIZE":      100,
	"WORKER_JOB_TIMEOUT":     5 * time.Minute,
	"REDIS_DB":               0,
	"JOURNAL_PATH":           "./data/journal",
	"JOURNAL_TTL":            24 * time.Hour,
	"TLS_ENABLED":            false,
	"TLS_REDIRECT_HTTP":      false,
	"OTEL_ENABLED":           false,
	"OTEL_SERVICE_NAME":      "finlink-api",
	"OTEL_ENVIRONMENT":       "development",
	"OTEL_EXPORTER_ENDPOINT": "localhost:4317",
	"METRICS_PORT":           "9090",
	"LOG_LEVEL":              "info",
	"LOG_DEVELOPMENT":        false,
}

// Load reads configuration from the environment. When CONFIG_FILE is set the
// file is read first and environment variables override its keys.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := checkTypes(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:                v.GetString("PORT"),
			Host:                v.GetString("HOST"),
			AllowedHosts:        splitList(v.GetString("ALLOWED_HOSTS")),
			DefaultClientUserID: v.GetString("DEFAULT_CLIENT_USER_ID"),
		},
		Database: DatabaseConfig{
			Host:              v.GetString("DB_HOST"),
			Port:              v.GetInt("DB_PORT"),
			User:              v.GetString("DB_USER"),
			Password:          v.GetString("DB_PASSWORD"),
			DBName:            v.GetString("DB_NAME"),
			SSLMode:           v.GetString("DB_SSLMODE"),
			MigrationsEnabled: v.GetBool("DB_MIGRATIONS_ENABLED"),
		},
		Gateway: GatewayConfig{
			BaseURL:      strings.TrimRight(v.GetString("GATEWAY_BASE_URL"), "/"),
			ClientID:     v.GetString("GATEWAY_CLIENT_ID"),
			Secret:       v.GetString("GATEWAY_SECRET"),
			ClientName:   v.GetString("GATEWAY_CLIENT_NAME"),
			Products:     splitList(v.GetString("GATEWAY_PRODUCTS")),
			CountryCodes: splitList(v.GetString("GATEWAY_COUNTRY_CODES")),
			Language:     v.GetString("GATEWAY_LANGUAGE"),
			Timeout:      v.GetDuration("GATEWAY_TIMEOUT"),
			PageSize:     v.GetInt("GATEWAY_PAGE_SIZE"),
		},
		Sync: SyncConfig{
			MaxAttempts: v.GetInt("SYNC_MAX_ATTEMPTS"),
			BaseDelay:   v.GetDuration("SYNC_BASE_DELAY"),
			MaxDelay:    v.GetDuration("SYNC_MAX_DELAY"),
			LockBackend: strings.ToLower(v.GetString("SYNC_LOCK_BACKEND")),
			LockExpiry:  v.GetDuration("SYNC_LOCK_EXPIRY"),
		},
		Worker: WorkerConfig{
			WorkerCount: v.GetInt("WORKER_COUNT"),
			JobDelay:    v.GetDuration("WORKER_JOB_DELAY"),
			QueueSize:   v.GetInt("WORKER_QUEUE_SIZE"),
			JobTimeout:  v.GetDuration("WORKER_JOB_TIMEOUT"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Journal: JournalConfig{
			Path: v.GetString("JOURNAL_PATH"),
			TTL:  v.GetDuration("JOURNAL_TTL"),
		},
		Encryption: EncryptionConfig{
			Key: v.GetString("ENCRYPTION_KEY"),
		},
		TLS: TLSConfig{
			Enabled:      v.GetBool("TLS_ENABLED"),
			CertPath:     v.GetString("TLS_CERT_PATH"),
			KeyPath:      v.GetString("TLS_KEY_PATH"),
			RedirectHTTP: v.GetBool("TLS_REDIRECT_HTTP"),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: v.GetString("FIREBASE_CREDENTIALS_FILE"),
			MessagesFile:    v.GetString("MESSAGES_FILE"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      v.GetBool("OTEL_ENABLED"),
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
			Environment:  v.GetString("OTEL_ENVIRONMENT"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_ENDPOINT"),
			MetricsPort:  v.GetString("METRICS_PORT"),
		},
		Log: LogConfig{
			Level:       v.GetString("LOG_LEVEL"),
			Development: v.GetBool("LOG_DEVELOPMENT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Gateway.ClientID == "" {
		return fmt.Errorf("GATEWAY_CLIENT_ID is required")
	}
	if c.Gateway.Secret == "" {
		return fmt.Errorf("GATEWAY_SECRET is required")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535")
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.Gateway.PageSize < 1 || c.Gateway.PageSize > 500 {
		return fmt.Errorf("GATEWAY_PAGE_SIZE must be between 1 and 500")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if c.Sync.BaseDelay <= 0 || c.Sync.MaxDelay < c.Sync.BaseDelay {
		return fmt.Errorf("SYNC_BASE_DELAY must be positive and not above SYNC_MAX_DELAY")
	}
	if c.Sync.LockExpiry <= 0 {
		return fmt.Errorf("SYNC_LOCK_EXPIRY must be positive")
	}
	if c.Worker.WorkerCount < 1 || c.Worker.QueueSize < 1 {
		return fmt.Errorf("WORKER_COUNT and WORKER_QUEUE_SIZE must be at least 1")
	}
	if c.Worker.JobDelay < 0 || c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("WORKER_JOB_DELAY must not be negative and WORKER_JOB_TIMEOUT must be positive")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("REDIS_DB must not be negative")
	}
	if c.Journal.TTL <= 0 {
		return fmt.Errorf("JOURNAL_TTL must be positive")
	}

	switch c.Sync.LockBackend {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required when SYNC_LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("SYNC_LOCK_BACKEND must be local or redis, got %q", c.Sync.LockBackend)
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}

	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

var (
	intKeys      = []string{"DB_PORT", "GATEWAY_PAGE_SIZE", "SYNC_MAX_ATTEMPTS", "WORKER_COUNT", "WORKER_QUEUE_SIZE", "REDIS_DB"}
	durationKeys = []string{"GATEWAY_TIMEOUT", "SYNC_BASE_DELAY", "SYNC_MAX_DELAY", "SYNC_LOCK_EXPIRY", "WORKER_JOB_DELAY", "WORKER_JOB_TIMEOUT", "JOURNAL_TTL"}
	boolKeys     = []string{"DB_MIGRATIONS_ENABLED", "TLS_ENABLED", "TLS_REDIRECT_HTTP", "OTEL_ENABLED", "LOG_DEVELOPMENT"}
)

// checkTypes rejects values the typed getters would silently read as zero.
func checkTypes(v *viper.Viper) error {
	for _, key := range intKeys {
		if _, err := cast.ToIntE(v.Get(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	for _, key := range durationKeys {
		if _, err := cast.ToDurationE(v.Get(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	for _, key := range boolKeys {
		if _, err := cast.ToBoolE(v.Get(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}
