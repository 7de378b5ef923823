package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"marketdata/internal/logging"
)

// EnvPrefix namespaces generic overrides, e.g. MARKETDATA_CACHE_QUOTE_TTL_SEC.
const EnvPrefix = "MARKETDATA"

type Server struct {
	Port               string `mapstructure:"port" json:"port"`
	RequestTimeoutSec  int    `mapstructure:"request_timeout_sec" json:"request_timeout_sec"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec" json:"shutdown_timeout_sec"`
	PruneIntervalSec   int    `mapstructure:"prune_interval_sec" json:"prune_interval_sec"`
	MaxBatchSymbols    int    `mapstructure:"max_batch_symbols" json:"max_batch_symbols"`
}

// RateLimit is a provider budget. MinRequestIntervalSec, when set, wins over
// MaxRequestsPerMinute; both zero means unlimited.
type RateLimit struct {
	MaxRequestsPerMinute  int `mapstructure:"max_requests_per_minute" json:"max_requests_per_minute"`
	MinRequestIntervalSec int `mapstructure:"min_request_interval_sec" json:"min_request_interval_sec"`
	Burst                 int `mapstructure:"burst" json:"burst"`
}

type Yahoo struct {
	Enabled   bool      `mapstructure:"enabled" json:"enabled"`
	BaseURL   string    `mapstructure:"base_url" json:"base_url"`
	Currency  string    `mapstructure:"currency" json:"currency"`
	RateLimit RateLimit `mapstructure:"rate_limit" json:"rate_limit"`
}

type Finnhub struct {
	Enabled   bool      `mapstructure:"enabled" json:"enabled"`
	APIKey    string    `mapstructure:"api_key" json:"api_key"`
	BaseURL   string    `mapstructure:"base_url" json:"base_url"`
	Currency  string    `mapstructure:"currency" json:"currency"`
	RateLimit RateLimit `mapstructure:"rate_limit" json:"rate_limit"`
}

type Longport struct {
	Enabled     bool      `mapstructure:"enabled" json:"enabled"`
	AppKey      string    `mapstructure:"app_key" json:"app_key"`
	AppSecret   string    `mapstructure:"app_secret" json:"app_secret"`
	AccessToken string    `mapstructure:"access_token" json:"access_token"`
	// Market is appended to symbols without one, e.g. AAPL -> AAPL.US.
	Market      string    `mapstructure:"market" json:"market"`
	Currency    string    `mapstructure:"currency" json:"currency"`
	RateLimit   RateLimit `mapstructure:"rate_limit" json:"rate_limit"`
}

type Cache struct {
	QuoteTTLSec   int `mapstructure:"quote_ttl_sec" json:"quote_ttl_sec"`
	HistoryTTLSec int `mapstructure:"history_ttl_sec" json:"history_ttl_sec"`
	MaxPerBucket  int `mapstructure:"max_per_bucket" json:"max_per_bucket"`
}

type Engine struct {
	Order              []string `mapstructure:"order" json:"order"`
	FailureThreshold   int      `mapstructure:"failure_threshold" json:"failure_threshold"`
	CooldownBaseSec    int      `mapstructure:"cooldown_base_sec" json:"cooldown_base_sec"`
	CooldownMaxSec     int      `mapstructure:"cooldown_max_sec" json:"cooldown_max_sec"`
	ProviderTimeoutSec int      `mapstructure:"provider_timeout_sec" json:"provider_timeout_sec"`
	MaxRateLimitWaitMs int      `mapstructure:"max_rate_limit_wait_ms" json:"max_rate_limit_wait_ms"`
}

type Config struct {
	Server   Server         `mapstructure:"server" json:"server"`
	Log      logging.Config `mapstructure:"log" json:"log"`
	Cache    Cache          `mapstructure:"cache" json:"cache"`
	Engine   Engine         `mapstructure:"engine" json:"engine"`
	Yahoo    Yahoo          `mapstructure:"yahoo" json:"yahoo"`
	Finnhub  Finnhub        `mapstructure:"finnhub" json:"finnhub"`
	Longport Longport       `mapstructure:"longport" json:"longport"`
}

func Default() Config {
	return Config{
		Server: Server{
			Port:               "8080",
			RequestTimeoutSec:  10,
			ShutdownTimeoutSec: 5,
			PruneIntervalSec:   60,
			MaxBatchSymbols:    1000,
		},
		Log: logging.Config{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/marketdata.log",
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Cache: Cache{
			QuoteTTLSec:   30,
			HistoryTTLSec: 6 * 60 * 60,
			MaxPerBucket:  8,
		},
		Engine: Engine{
			Order:              []string{"yahoo", "finnhub", "longport"},
			FailureThreshold:   3,
			CooldownBaseSec:    30,
			CooldownMaxSec:     600,
			ProviderTimeoutSec: 10,
		},
		Yahoo: Yahoo{
			Enabled:   true,
			BaseURL:   "https://query2.finance.yahoo.com",
			Currency:  "USD",
			RateLimit: RateLimit{MaxRequestsPerMinute: 60, Burst: 5},
		},
		Finnhub: Finnhub{
			Enabled:   false,
			BaseURL:   "https://finnhub.io/api/v1",
			Currency:  "USD",
			RateLimit: RateLimit{MaxRequestsPerMinute: 60, Burst: 1},
		},
		Longport: Longport{
			Enabled:   false,
			Market:    "US",
			Currency:  "USD",
			RateLimit: RateLimit{MaxRequestsPerMinute: 60, Burst: 10},
		},
	}
}

// Load reads config from path (JSON, YAML or TOML by extension) over the
// defaults. If path is empty config.json is used when present; a missing file
// yields defaults. A .env file in the working directory is loaded first.
// Any key can be overridden as MARKETDATA_<SECTION>_<KEY>; secrets also have
// the short names applied by applyEnv.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	base, err := json.Marshal(Default())
	if err != nil {
		return Config{}, fmt.Errorf("encode defaults: %w", err)
	}
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		} else if err == nil {
			file := viper.New()
			file.SetConfigFile(path)
			if err := file.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
			if err := v.MergeConfigMap(file.AllSettings()); err != nil {
				return Config{}, fmt.Errorf("merge config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT_SEC"); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			cfg.Server.RequestTimeoutSec = x
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		cfg.Finnhub.APIKey = v
		cfg.Finnhub.Enabled = true
	}
	key, secret, token := os.Getenv("LONGPORT_APP_KEY"), os.Getenv("LONGPORT_APP_SECRET"), os.Getenv("LONGPORT_ACCESS_TOKEN")
	if key != "" {
		cfg.Longport.AppKey = key
	}
	if secret != "" {
		cfg.Longport.AppSecret = secret
	}
	if token != "" {
		cfg.Longport.AccessToken = token
	}
	// a full credential set in the environment turns the provider on
	if key != "" && secret != "" && token != "" {
		cfg.Longport.Enabled = true
	}
	if v := os.Getenv("PROVIDER_ORDER"); v != "" {
		cfg.Engine.Order = splitCSV(v)
	}
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is empty"))
	}
	if c.Cache.QuoteTTLSec < 0 || c.Cache.HistoryTTLSec < 0 {
		errs = append(errs, errors.New("cache ttl must not be negative"))
	}
	if c.Engine.CooldownMaxSec > 0 && c.Engine.CooldownMaxSec < c.Engine.CooldownBaseSec {
		errs = append(errs, fmt.Errorf("engine.cooldown_max_sec %d below cooldown_base_sec %d", c.Engine.CooldownMaxSec, c.Engine.CooldownBaseSec))
	}
	for name, rl := range map[string]RateLimit{"yahoo": c.Yahoo.RateLimit, "finnhub": c.Finnhub.RateLimit, "longport": c.Longport.RateLimit} {
		if rl.MaxRequestsPerMinute < 0 || rl.MinRequestIntervalSec < 0 || rl.Burst < 0 {
			errs = append(errs, fmt.Errorf("%s.rate_limit must not be negative", name))
		}
	}
	if c.Finnhub.Enabled && c.Finnhub.APIKey == "" {
		errs = append(errs, errors.New("finnhub enabled without api_key"))
	}
	if c.Longport.Enabled && (c.Longport.AppKey == "" || c.Longport.AppSecret == "" || c.Longport.AccessToken == "") {
		errs = append(errs, errors.New("longport enabled without app_key, app_secret and access_token"))
	}
	return errors.Join(errs...)
}

func (c Cache) QuoteTTL() time.Duration   { return seconds(c.QuoteTTLSec) }
func (c Cache) HistoryTTL() time.Duration { return seconds(c.HistoryTTLSec) }

func (e Engine) CooldownBase() time.Duration    { return seconds(e.CooldownBaseSec) }
func (e Engine) CooldownMax() time.Duration     { return seconds(e.CooldownMaxSec) }
func (e Engine) ProviderTimeout() time.Duration { return seconds(e.ProviderTimeoutSec) }
func (e Engine) MaxRateLimitWait() time.Duration {
	return time.Duration(e.MaxRateLimitWaitMs) * time.Millisecond
}

func (s Server) RequestTimeout() time.Duration  { return seconds(s.RequestTimeoutSec) }
func (s Server) ShutdownTimeout() time.Duration { return seconds(s.ShutdownTimeoutSec) }
func (s Server) PruneInterval() time.Duration   { return seconds(s.PruneIntervalSec) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
