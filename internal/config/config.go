// Package config defines the liveql server configuration and binds it to
// command line flags, LIVEQL_ environment variables and config.yaml.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	gate "github.com/hanpama/liveql/internal/gate"
	query "github.com/hanpama/liveql/internal/query"
	subscription "github.com/hanpama/liveql/internal/subscription"
)

const (
	EnvPrefix = "LIVEQL"

	// PoolSizeEnv is read for store.pool-size when LIVEQL_STORE_POOL_SIZE is
	// unset.
	PoolSizeEnv = "STORE_CONNECTION_POOL_SIZE"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type ServerConfig struct {
	// Addr is the HTTP listen address. Empty disables the HTTP server.
	Addr        string
	Timeout     time.Duration
	CORSOrigins []string `mapstructure:"cors-origins"`
	Pretty      bool
	KeepAlive   time.Duration `mapstructure:"keep-alive"`
}

type GRPCConfig struct {
	// Addr is the gRPC listen address. Empty disables the gRPC server.
	Addr string
}

type MetricsConfig struct {
	// Addr serves /metrics. Empty disables it.
	Addr string
}

type StoreConfig struct {
	// Engine is one of memory, postgres or redis. postgres and redis feed the
	// in-memory store from their change notifications.
	Engine  string
	URI     string
	Channel string
	// PoolSize sizes the store connection pool. The admission gate gets a
	// capacity derived from it.
	PoolSize int `mapstructure:"pool-size"`
	// Seed is a JSON notification file applied on startup.
	Seed     string
	Subgraph string
	// MaxPending drops a subscription whose event queue grows past it. Zero
	// queues without limit.
	MaxPending int `mapstructure:"max-pending"`
}

type SubscriptionConfig struct {
	// Timeout bounds each event's execution. Zero disables it.
	Timeout       time.Duration
	MaxComplexity uint64 `mapstructure:"max-complexity"`
	MaxDepth      int    `mapstructure:"max-depth"`
	MaxFirst      int    `mapstructure:"max-first"`
}

type QueryConfig struct {
	CacheSize int64 `mapstructure:"cache-size"`
}

type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string
	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type OTelConfig struct {
	Endpoint string
	Service  string
}

type SchemaConfig struct {
	Path string
}

type Config struct {
	Server       ServerConfig
	GRPC         GRPCConfig `mapstructure:"grpc"`
	Metrics      MetricsConfig
	Store        StoreConfig
	Subscription SubscriptionConfig
	Query        QueryConfig
	Log          LogConfig
	OTel         OTelConfig `mapstructure:"otel"`
	Schema       SchemaConfig
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			Timeout:     10 * time.Second,
			CORSOrigins: []string{},
			KeepAlive:   15 * time.Second,
		},
		GRPC:    GRPCConfig{Addr: ":8081"},
		Metrics: MetricsConfig{Addr: ":2112"},
		Store: StoreConfig{
			Engine:   StoreMemory,
			Channel:  "liveql_changes",
			PoolSize: gate.DefaultPoolSize,
		},
		Subscription: SubscriptionConfig{
			Timeout:  5 * time.Second,
			MaxDepth: subscription.DefaultMaxDepth,
			MaxFirst: 1000,
		},
		Query: QueryConfig{CacheSize: query.DefaultCacheSize},
		Log:   LogConfig{Format: "text", Level: "info"},
		OTel:  OTelConfig{Service: "liveql"},
		Schema: SchemaConfig{
			Path: "schema.graphql",
		},
	}
}

// Verify reports the first invalid setting.
func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}
	switch cfg.Log.Level {
	case "none", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error']")
	}
	switch cfg.Store.Engine {
	case StoreMemory:
	case StorePostgres, StoreRedis:
		if cfg.Store.URI == "" {
			return fmt.Errorf("config 'store.uri' is required for the %s engine", cfg.Store.Engine)
		}
		if cfg.Store.Channel == "" {
			return fmt.Errorf("config 'store.channel' is required for the %s engine", cfg.Store.Engine)
		}
	default:
		return fmt.Errorf("config 'store.engine' must be one of ['memory', 'postgres', 'redis']")
	}
	if cfg.Store.PoolSize < 1 {
		return fmt.Errorf("config 'store.pool-size' must be at least 1")
	}
	if cfg.Store.MaxPending < 0 {
		return fmt.Errorf("config 'store.max-pending' cannot be negative")
	}
	if cfg.Server.Timeout < 0 || cfg.Subscription.Timeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if cfg.Subscription.MaxDepth < 0 || cfg.Subscription.MaxFirst < 0 {
		return fmt.Errorf("config 'subscription.max-depth' and 'subscription.max-first' cannot be negative")
	}
	if cfg.Schema.Path == "" {
		return fmt.Errorf("config 'schema.path' is required")
	}
	return nil
}

// Key names a setting. Its flag is the key with dots replaced by dashes.
type Key string

func (k Key) Flag() string { return strings.ReplaceAll(string(k), ".", "-") }

const (
	ServerAddr          Key = "server.addr"
	ServerTimeout       Key = "server.timeout"
	ServerCORSOrigins   Key = "server.cors-origins"
	ServerPretty        Key = "server.pretty"
	ServerKeepAlive     Key = "server.keep-alive"
	GRPCAddr            Key = "grpc.addr"
	MetricsAddr         Key = "metrics.addr"
	StoreEngine         Key = "store.engine"
	StoreURI            Key = "store.uri"
	StoreChannel        Key = "store.channel"
	StorePoolSize       Key = "store.pool-size"
	StoreSeed           Key = "store.seed"
	StoreSubgraph       Key = "store.subgraph"
	StoreMaxPending     Key = "store.max-pending"
	SubscriptionTimeout Key = "subscription.timeout"
	SubscriptionMaxCx   Key = "subscription.max-complexity"
	SubscriptionDepth   Key = "subscription.max-depth"
	SubscriptionFirst   Key = "subscription.max-first"
	QueryCacheSize      Key = "query.cache-size"
	LogFormat           Key = "log.format"
	LogLevel            Key = "log.level"
	OTelEndpoint        Key = "otel.endpoint"
	OTelService         Key = "otel.service"
	SchemaPath          Key = "schema.path"
)

// NewViper returns a viper instance reading LIVEQL_ variables and
// config.yaml from /etc/liveql, $HOME/.liveql and the working directory.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, path := range []string{"/etc/liveql", "$HOME/.liveql", "."} {
		v.AddConfigPath(path)
	}
	return v
}

func mustBindPFlag(v *viper.Viper, key Key, flag *pflag.Flag) {
	if err := v.BindPFlag(string(key), flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func mustBindEnv(v *viper.Viper, input ...string) {
	if err := v.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}

// BindFlags defines a flag for every setting on flags and binds it to v.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	d := DefaultConfig()

	flags.String(ServerAddr.Flag(), d.Server.Addr, "HTTP listen address (empty disables HTTP)")
	flags.Duration(ServerTimeout.Flag(), d.Server.Timeout, "per-request timeout for queries")
	flags.StringSlice(ServerCORSOrigins.Flag(), d.Server.CORSOrigins, "CORS allowed origins")
	flags.Bool(ServerPretty.Flag(), d.Server.Pretty, "pretty-print JSON responses")
	flags.Duration(ServerKeepAlive.Flag(), d.Server.KeepAlive, "interval of keep-alive comments on event streams")
	flags.String(GRPCAddr.Flag(), d.GRPC.Addr, "gRPC listen address (empty disables gRPC)")
	flags.String(MetricsAddr.Flag(), d.Metrics.Addr, "prometheus /metrics listen address (empty disables metrics)")
	flags.String(StoreEngine.Flag(), d.Store.Engine, "change feed engine: memory, postgres or redis")
	flags.String(StoreURI.Flag(), d.Store.URI, "connection uri of the postgres or redis change feed")
	flags.String(StoreChannel.Flag(), d.Store.Channel, "NOTIFY / PUBLISH channel carrying change notifications")
	flags.Int(StorePoolSize.Flag(), d.Store.PoolSize, "store connection pool size; sizes the admission gate")
	flags.String(StoreSeed.Flag(), d.Store.Seed, "JSON notification file applied on startup")
	flags.String(StoreSubgraph.Flag(), d.Store.Subgraph, "subgraph queries and subscriptions are restricted to")
	flags.Int(StoreMaxPending.Flag(), d.Store.MaxPending, "store events a subscription may have queued before it is dropped (0 disables)")
	flags.Duration(SubscriptionTimeout.Flag(), d.Subscription.Timeout, "execution timeout per subscription event (0 disables)")
	flags.Uint64(SubscriptionMaxCx.Flag(), d.Subscription.MaxComplexity, "maximum query complexity (0 disables)")
	flags.Int(SubscriptionDepth.Flag(), d.Subscription.MaxDepth, "maximum query depth")
	flags.Int(SubscriptionFirst.Flag(), d.Subscription.MaxFirst, "maximum value of first arguments (0 disables)")
	flags.Int64(QueryCacheSize.Flag(), d.Query.CacheSize, "number of compiled queries to cache")
	flags.String(LogFormat.Flag(), d.Log.Format, "log format: text or json")
	flags.String(LogLevel.Flag(), d.Log.Level, "log level: none, debug, info, warn or error")
	flags.String(OTelEndpoint.Flag(), d.OTel.Endpoint, "OTLP collector endpoint (empty disables tracing)")
	flags.String(OTelService.Flag(), d.OTel.Service, "OpenTelemetry service name")
	flags.String(SchemaPath.Flag(), d.Schema.Path, "GraphQL schema SDL file")

	for _, k := range []Key{
		ServerAddr, ServerTimeout, ServerCORSOrigins, ServerPretty, ServerKeepAlive,
		GRPCAddr, MetricsAddr,
		StoreEngine, StoreURI, StoreChannel, StorePoolSize, StoreSeed, StoreSubgraph, StoreMaxPending,
		SubscriptionTimeout, SubscriptionMaxCx, SubscriptionDepth, SubscriptionFirst,
		QueryCacheSize, LogFormat, LogLevel, OTelEndpoint, OTelService, SchemaPath,
	} {
		mustBindPFlag(v, k, flags.Lookup(k.Flag()))
	}
	mustBindEnv(v, string(StorePoolSize), EnvPrefix+"_STORE_POOL_SIZE", PoolSizeEnv)
}

// Load reads config.yaml if present and returns the merged, verified
// configuration. Precedence is flags, then environment, then the file.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	v.SetTypeByDefaultValue(true)
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}
