package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

// Config is the complete runtime configuration.
type Config struct {
	Graph      GraphConfig      `mapstructure:"graph"`
	Document   DocumentConfig   `mapstructure:"document"`
	Relational RelationalConfig `mapstructure:"relational"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

// GraphConfig configures the libSQL-backed graph store.
type GraphConfig struct {
	URL            string `mapstructure:"url"`
	AuthToken      string `mapstructure:"auth_token"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns"`
	ConnMaxIdleSec int    `mapstructure:"conn_max_idle_sec"`
	ConnMaxLifeSec int    `mapstructure:"conn_max_life_sec"`
}

// DocumentConfig configures the SQLite document store.
type DocumentConfig struct {
	Path string `mapstructure:"path"` // file path, or ":memory:"
}

// RelationalConfig configures the attribute store.
type RelationalConfig struct {
	Driver   string `mapstructure:"driver"` // postgres | memory
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the Postgres connection string.
func (c RelationalConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.DBName,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	StoreTimeout      time.Duration `mapstructure:"store_timeout"`       // deadline applied to every store call
	MaxTraversalDepth int           `mapstructure:"max_traversal_depth"` // upper bound for traversal depth
	QueryConcurrency  int           `mapstructure:"query_concurrency"`   // entities assembled in parallel by QueryEntity
}

// ServerConfig configures the RPC boundary.
type ServerConfig struct {
	Transport   string `mapstructure:"transport"` // stdio | sse
	Addr        string `mapstructure:"addr"`
	SSEEndpoint string `mapstructure:"sse_endpoint"`
}

type MetricsConfig struct {
	Prometheus bool   `mapstructure:"prometheus"`
	Addr       string `mapstructure:"addr"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("graph.url", "file:./opengin-graph.db")
	v.SetDefault("graph.auth_token", "")
	v.SetDefault("graph.max_open_conns", 0)
	v.SetDefault("graph.max_idle_conns", 0)
	v.SetDefault("graph.conn_max_idle_sec", 0)
	v.SetDefault("graph.conn_max_life_sec", 0)

	v.SetDefault("document.path", "./opengin-documents.db")

	v.SetDefault("relational.driver", "postgres")
	v.SetDefault("relational.host", "localhost")
	v.SetDefault("relational.port", 5432)
	v.SetDefault("relational.user", "postgres")
	v.SetDefault("relational.password", "")
	v.SetDefault("relational.dbname", "opengin")
	v.SetDefault("relational.sslmode", "disable")

	v.SetDefault("engine.store_timeout", 10*time.Second)
	v.SetDefault("engine.max_traversal_depth", 5)
	v.SetDefault("engine.query_concurrency", 8)

	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.sse_endpoint", "/sse")

	v.SetDefault("metrics.prometheus", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// legacyEnv maps config keys to the unprefixed environment variables that
// deployments already set.
var legacyEnv = map[string]string{
	"graph.url":           "LIBSQL_URL",
	"graph.auth_token":    "LIBSQL_AUTH_TOKEN",
	"relational.host":     "POSTGRES_HOST",
	"relational.port":     "POSTGRES_PORT",
	"relational.user":     "POSTGRES_USER",
	"relational.password": "POSTGRES_PASSWORD",
	"relational.dbname":   "POSTGRES_DBNAME",
	"relational.sslmode":  "POSTGRES_SSLMODE",
	"metrics.prometheus":  "METRICS_PROMETHEUS",
	"metrics.addr":        "METRICS_ADDR",
}

// NewViper returns a viper instance with defaults and environment bindings.
// OPENGIN_-prefixed variables take precedence over the legacy names.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("OPENGIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := "OPENGIN_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, legacy)
	}
	return v
}

// Load reads configuration from defaults, the environment and, when path is
// non-empty, a config file (format chosen by extension).
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Relational.Driver {
	case "postgres", "memory":
	default:
		return errors.Newf("relational.driver must be postgres or memory, got %q", c.Relational.Driver)
	}
	switch c.Server.Transport {
	case "stdio", "sse":
	default:
		return errors.Newf("server.transport must be stdio or sse, got %q", c.Server.Transport)
	}
	if c.Graph.URL == "" {
		return errors.New("graph.url cannot be empty")
	}
	if c.Document.Path == "" {
		return errors.New("document.path cannot be empty")
	}
	if c.Engine.StoreTimeout <= 0 {
		return errors.Newf("engine.store_timeout must be > 0, got %s", c.Engine.StoreTimeout)
	}
	if c.Engine.MaxTraversalDepth <= 0 {
		return errors.Newf("engine.max_traversal_depth must be > 0, got %d", c.Engine.MaxTraversalDepth)
	}
	if c.Engine.QueryConcurrency <= 0 {
		return errors.Newf("engine.query_concurrency must be > 0, got %d", c.Engine.QueryConcurrency)
	}
	return nil
}
