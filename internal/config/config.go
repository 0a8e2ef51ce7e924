package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultModels mirrors the model identifiers offered by the chat UI.
var DefaultModels = []string{
	"gemini-2.5-flash-image-preview",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.0-flash-exp",
}

// Config captures the runtime configuration for the chat gateway.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Gemini        GeminiConfig        `mapstructure:"gemini"`
	Rotation      RotationConfig      `mapstructure:"rotation"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Limits        LimitsConfig        `mapstructure:"limits"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Health        HealthConfig        `mapstructure:"health"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type GeminiConfig struct {
	APIKeys        []string      `mapstructure:"api_keys"`
	BaseURL        string        `mapstructure:"base_url"`
	APIVersion     string        `mapstructure:"api_version"`
	Models         []string      `mapstructure:"models"`
	DefaultModel   string        `mapstructure:"default_model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type RotationConfig struct {
	AmnestyInterval time.Duration `mapstructure:"amnesty_interval"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

type LimitsConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	ParallelRequests  int `mapstructure:"parallel_requests"`
}

type CacheConfig struct {
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type AdminConfig struct {
	TokenHash string `mapstructure:"token_hash"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type HealthConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("CHATD_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("chatd")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("CHATD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		timeStringToDurationHook(),
		commaSeparatedSliceHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and fills derived defaults.
func (c *Config) Validate() error {
	c.Gemini.APIKeys = normalizeStringSlice(c.Gemini.APIKeys)
	if len(c.Gemini.APIKeys) == 0 {
		return fmt.Errorf("missing required configuration: CHATD_GEMINI_API_KEYS")
	}
	if strings.TrimSpace(c.Gemini.BaseURL) == "" {
		return fmt.Errorf("gemini.base_url must be provided")
	}
	if strings.TrimSpace(c.Gemini.APIVersion) == "" {
		c.Gemini.APIVersion = "v1beta"
	}
	c.Gemini.Models = normalizeStringSlice(c.Gemini.Models)
	if len(c.Gemini.Models) == 0 {
		c.Gemini.Models = append([]string(nil), DefaultModels...)
	}
	c.Gemini.DefaultModel = strings.TrimSpace(c.Gemini.DefaultModel)
	if c.Gemini.DefaultModel == "" {
		c.Gemini.DefaultModel = "gemini-2.0-flash-exp"
	}
	if c.Gemini.RequestTimeout <= 0 {
		return fmt.Errorf("gemini.request_timeout must be > 0")
	}

	if c.Rotation.AmnestyInterval <= 0 {
		return fmt.Errorf("rotation.amnesty_interval must be > 0")
	}
	if c.Rotation.RetryBackoff < 0 {
		return fmt.Errorf("rotation.retry_backoff must be >= 0")
	}

	if c.Server.BodyLimitMB <= 0 {
		return fmt.Errorf("server.body_limit_mb must be > 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}
	if c.Limits.RequestsPerMinute < 0 {
		return fmt.Errorf("limits.requests_per_minute must be >= 0")
	}
	if c.Limits.ParallelRequests < 0 {
		return fmt.Errorf("limits.parallel_requests must be >= 0")
	}
	if c.Cache.IdempotencyTTL <= 0 {
		c.Cache.IdempotencyTTL = 30 * time.Minute
	}

	if c.Health.Enabled {
		if c.Health.CheckInterval <= 0 {
			return fmt.Errorf("health.check_interval must be > 0 when health probing is enabled")
		}
		if c.Health.ProbeTimeout <= 0 || c.Health.ProbeTimeout > c.Health.CheckInterval {
			c.Health.ProbeTimeout = 5 * time.Second
		}
	}

	c.Admin.TokenHash = strings.TrimSpace(c.Admin.TokenHash)
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8000")
	v.SetDefault("server.body_limit_mb", 32)
	v.SetDefault("server.read_timeout", "300s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("gemini.api_version", "v1beta")
	v.SetDefault("gemini.models", DefaultModels)
	v.SetDefault("gemini.default_model", "gemini-2.0-flash-exp")
	v.SetDefault("gemini.request_timeout", "120s")
	// Registered so AutomaticEnv picks up CHATD_GEMINI_API_KEYS during Unmarshal.
	v.SetDefault("gemini.api_keys", []string{})

	v.SetDefault("rotation.amnesty_interval", "1h")
	v.SetDefault("rotation.retry_backoff", "500ms")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("limits.requests_per_minute", 0)
	v.SetDefault("limits.parallel_requests", 0)

	v.SetDefault("cache.idempotency_ttl", "30m")

	v.SetDefault("admin.token_hash", "")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("health.enabled", false)
	v.SetDefault("health.check_interval", "5m")
	v.SetDefault("health.probe_timeout", "5s")
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clean := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}

// commaSeparatedSliceHook lets list settings arrive as "a,b,c" from the environment.
func commaSeparatedSliceHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
			return data, nil
		}
		raw, _ := data.(string)
		if strings.TrimSpace(raw) == "" {
			return []string{}, nil
		}
		return strings.Split(raw, ","), nil
	}
}
