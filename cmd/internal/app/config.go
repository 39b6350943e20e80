package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"HUDDLE_HTTP_ADDR,default=0.0.0.0:8080"`
	LogLevel  string `env:"HUDDLE_LOG_LEVEL,default=info"`
	LogFormat string `env:"HUDDLE_LOG_FORMAT,default=json"`
	LogColor  bool   `env:"HUDDLE_LOG_COLOR,default=true"`

	ReadHeaderTimeout time.Duration `env:"HUDDLE_HTTP_READ_HEADER_TIMEOUT,default=5s"`
	ReadTimeout       time.Duration `env:"HUDDLE_HTTP_READ_TIMEOUT,default=15s"`
	// Summary streams are long-lived; the write timeout must cover them.
	WriteTimeout      time.Duration `env:"HUDDLE_HTTP_WRITE_TIMEOUT,default=2m"`
	IdleTimeout       time.Duration `env:"HUDDLE_HTTP_IDLE_TIMEOUT,default=60s"`
	MaxHeaderBytes    int           `env:"HUDDLE_HTTP_MAX_HEADER_BYTES,default=1048576"`

	// Store selects the durable store: memory, postgres or badger.
	Store       string `env:"HUDDLE_STORE,default=memory"`
	DatabaseURL string `env:"HUDDLE_DATABASE_URL"`
	DBSchema    string `env:"HUDDLE_DB_SCHEMA,default=huddle"`
	DBMaxConns  int    `env:"HUDDLE_DB_MAX_CONNS,default=10"`
	DBMinConns  int    `env:"HUDDLE_DB_MIN_CONNS,default=0"`
	DBMigrate   bool   `env:"HUDDLE_DB_MIGRATE,default=true"`
	BadgerDir   string `env:"HUDDLE_BADGER_DIR"`

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool `env:"HUDDLE_READINESS_REQUIRE_DB,default=false"`

	JWTSecret    string        `env:"HUDDLE_JWT_SECRET"`
	JWTIssuer    string        `env:"HUDDLE_JWT_ISSUER,default=huddle"`
	JWTTTL       time.Duration `env:"HUDDLE_JWT_TTL,default=24h"`
	AuthInsecure bool          `env:"HUDDLE_AUTH_INSECURE,default=false"`

	// Comma separated; empty means the local dev origins.
	WSAllowedOrigins    string `env:"HUDDLE_WS_ALLOWED_ORIGINS"`
	WSOriginRequired    bool   `env:"HUDDLE_WS_ORIGIN_REQUIRED,default=true"`
	WSDevInsecure       bool   `env:"HUDDLE_WS_DEV_INSECURE,default=false"`
	WSRequireAuth       bool   `env:"HUDDLE_WS_REQUIRE_AUTH,default=false"`
	WSRequireMembership bool   `env:"HUDDLE_WS_REQUIRE_MEMBERSHIP,default=true"`
	WSEvictSuperseded   bool   `env:"HUDDLE_WS_EVICT_SUPERSEDED,default=false"`
	WSSendQueueSize     int    `env:"HUDDLE_WS_SEND_QUEUE,default=256"`
	GroupEchoSender     bool   `env:"HUDDLE_GROUP_ECHO_SENDER,default=false"`

	// Comma separated browser origins allowed to call /api; empty disables CORS.
	CORSOrigins          string   `env:"HUDDLE_CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool     `env:"HUDDLE_CORS_ALLOW_CREDENTIALS,default=true"`
	CORSMaxAgeSeconds    int      `env:"HUDDLE_CORS_MAX_AGE_SECONDS,default=600"`
	CORSAllowedOrigins   []string // derived from CORSOrigins

	BlobDir      string `env:"HUDDLE_BLOB_DIR,default=./data/blobs"`
	BlobMaxBytes int    `env:"HUDDLE_BLOB_MAX_BYTES,default=5242880"`

	// Mutating API calls per caller per window; 0 disables the throttle.
	APIRateLimit  int           `env:"HUDDLE_API_RATE_LIMIT,default=60"`
	APIRateWindow time.Duration `env:"HUDDLE_API_RATE_WINDOW,default=10s"`

	SummaryURL     string        `env:"HUDDLE_SUMMARY_URL"`
	SummaryTimeout time.Duration `env:"HUDDLE_SUMMARY_TIMEOUT,default=2m"`
}

// Store kinds.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

// LoadConfig loads Config from the environment. A .env file in the working
// directory is read first; variables already set win over it.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	return cfg, cfg.Validate()
}

func (c *Config) normalize() {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.CORSAllowedOrigins = splitList(c.CORSOrigins)

	// A database URL without an explicit store selects postgres.
	if c.Store == StoreMemory && c.DatabaseURL != "" && os.Getenv("HUDDLE_STORE") == "" {
		c.Store = StorePostgres
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreBadger:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: HUDDLE_STORE=postgres requires HUDDLE_DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown HUDDLE_STORE %q", c.Store)
	}

	switch c.LogFormat {
	case "json", "pretty", "text":
	default:
		return fmt.Errorf("config: unknown HUDDLE_LOG_FORMAT %q", c.LogFormat)
	}

	if c.DBMinConns < 0 || c.DBMaxConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("config: invalid db pool bounds min=%d max=%d", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// AllowedOrigins returns the websocket origin allow-list.
func (c Config) AllowedOrigins() []string {
	if out := splitList(c.WSAllowedOrigins); len(out) > 0 {
		return out
	}
	return []string{"http://localhost", "http://127.0.0.1"}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
