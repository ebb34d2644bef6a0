// Package config assembles the service configuration. Defaults come first,
// then an optional YAML file named by VALUATION_CONFIG, then environment
// variables (including anything in .env). Secrets are expected in the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/valuation-api/internal/cache"
	"github.com/yourorg/valuation-api/internal/env"
	"github.com/yourorg/valuation-api/internal/history"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/orchestrator"
	"github.com/yourorg/valuation-api/internal/quota"
	"github.com/yourorg/valuation-api/internal/reconcile"
	"github.com/yourorg/valuation-api/internal/valuation"
)

// Provider holds connection settings for one data provider. An empty APIKey
// leaves the adapter registered but unconfigured; its calls fail permanently
// and the orchestrator falls through it.
type Provider struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Host              string        `yaml:"host"`
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
}

type Orchestrator struct {
	Retries        int           `yaml:"retries" validate:"gte=0,lte=10"`
	BaseDelay      time.Duration `yaml:"base_delay" validate:"gt=0"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
	// Order is the default provider priority table.
	Order []string `yaml:"order"`
}

type Valuation struct {
	EstimateSources []string `yaml:"estimate_sources"`
	MaxComps        int      `yaml:"max_comps" validate:"gte=1,lte=50"`
	RadiusMiles     float64  `yaml:"radius_miles" validate:"gt=0"`
}

// Refresh sizes the background prefetch queue.
type Refresh struct {
	Workers  int           `yaml:"workers" validate:"gte=1"`
	Capacity int           `yaml:"capacity" validate:"gte=1"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
}

// Warmer drives cmd/warmer.
type Warmer struct {
	Addresses []model.PropertyIdentity `yaml:"addresses"`
	Depth     string                   `yaml:"depth"`
	Interval  time.Duration            `yaml:"interval"`
	Pause     time.Duration            `yaml:"pause"`
	Timeout   time.Duration            `yaml:"timeout"`
	RunOnce   bool                     `yaml:"run_once"`
}

type Config struct {
	HTTPAddr string `yaml:"http_addr" validate:"required"`
	// RequestsPerMinute is the per-IP inbound rate limit; 0 disables it.
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=0"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresDSN   string `yaml:"postgres_dsn"`

	Providers    map[string]Provider      `yaml:"providers" validate:"dive"`
	Quota        map[string]quota.Policy  `yaml:"quota"`
	TTL          map[string]time.Duration `yaml:"ttl"`
	Orchestrator Orchestrator             `yaml:"orchestrator"`
	Reconcile    reconcile.Config         `yaml:"reconcile"`
	History      history.Config           `yaml:"history"`
	Valuation    Valuation                `yaml:"valuation"`
	Refresh      Refresh                  `yaml:"refresh"`
	Warmer       Warmer                   `yaml:"warmer"`
}

// Provider ids known to the service. The env variable prefix is the id
// upper-cased with dashes turned into underscores.
var ProviderIDs = []string{"attom", "rentcast", "realtor", "llm-comps"}

func Default() Config {
	oc := orchestrator.DefaultConfig()
	vc := valuation.DefaultConfig()
	return Config{
		HTTPAddr:          ":4002",
		RequestsPerMinute: 120,
		Providers: map[string]Provider{
			"attom":     {Timeout: 6 * time.Second, RequestsPerSecond: 2},
			"rentcast":  {Timeout: 8 * time.Second, RequestsPerSecond: 1},
			"realtor":   {Timeout: 10 * time.Second, RequestsPerSecond: 1},
			"llm-comps": {Timeout: 30 * time.Second},
		},
		Quota: map[string]quota.Policy{
			"attom":     {Limit: 1000, Period: quota.Monthly},
			"rentcast":  {Limit: 50, Period: quota.Monthly},
			"realtor":   {Limit: 500, Period: quota.Monthly},
			"llm-comps": {Limit: 200, Period: quota.Daily},
		},
		TTL: map[string]time.Duration{},
		Orchestrator: Orchestrator{
			Retries:        oc.Retries,
			BaseDelay:      oc.BaseDelay,
			AttemptTimeout: oc.AttemptTimeout,
			Order:          []string{"attom", "rentcast", "realtor", "llm-comps"},
		},
		Reconcile: reconcile.DefaultConfig(),
		History:   history.DefaultConfig(),
		Valuation: Valuation{
			EstimateSources: vc.EstimateSources,
			MaxComps:        vc.MaxComps,
			RadiusMiles:     vc.RadiusMiles,
		},
		Refresh: Refresh{Workers: 2, Capacity: 256, Timeout: 45 * time.Second},
		Warmer: Warmer{
			Depth:    string(valuation.Standard),
			Interval: 24 * time.Hour,
			Pause:    2 * time.Second,
			Timeout:  60 * time.Second,
		},
	}
}

// Load reads .env, the optional YAML overlay and the environment, and
// validates the result.
func Load() (Config, error) {
	env.Load()
	cfg := Default()
	if path := env.Get("VALUATION_CONFIG", ""); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.overlayEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return c.overlayYAML(b)
}

// overlayYAML decodes b over c. Maps merge key by key so a file only needs
// to name the providers it changes.
func (c *Config) overlayYAML(b []byte) error {
	var file Config
	if err := yaml.Unmarshal(b, &file); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	// copies: decoding into c writes through the existing maps
	providers, quotas, ttls := merge(c.Providers, nil), merge(c.Quota, nil), merge(c.TTL, nil)
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	c.Providers = mergeProviders(providers, file.Providers)
	c.Quota = merge(quotas, file.Quota)
	c.TTL = merge(ttls, file.TTL)
	return nil
}

func merge[V any](base, over map[string]V) map[string]V {
	out := make(map[string]V, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func mergeProviders(base, over map[string]Provider) map[string]Provider {
	out := merge(base, nil)
	for id, p := range over {
		cur := out[id]
		if p.APIKey != "" {
			cur.APIKey = p.APIKey
		}
		if p.BaseURL != "" {
			cur.BaseURL = p.BaseURL
		}
		if p.Host != "" {
			cur.Host = p.Host
		}
		if p.Model != "" {
			cur.Model = p.Model
		}
		if p.Timeout > 0 {
			cur.Timeout = p.Timeout
		}
		if p.RequestsPerSecond > 0 {
			cur.RequestsPerSecond = p.RequestsPerSecond
		}
		out[id] = cur
	}
	return out
}

func envPrefix(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
}

func (c *Config) overlayEnv() {
	c.HTTPAddr = env.Get("HTTP_ADDR", c.HTTPAddr)
	if port := env.GetInt("PORT", 0); port > 0 {
		c.HTTPAddr = fmt.Sprintf(":%d", port)
	}
	c.RequestsPerMinute = env.GetInt("RATE_LIMIT_PER_MINUTE", c.RequestsPerMinute)
	c.RedisAddr = env.Get("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = env.Get("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = env.GetInt("REDIS_DB", c.RedisDB)
	c.PostgresDSN = env.Get("PG_DSN", c.PostgresDSN)

	for _, id := range ProviderIDs {
		pre := envPrefix(id)
		p := c.Providers[id]
		p.APIKey = env.Get(pre+"_API_KEY", p.APIKey)
		p.BaseURL = env.Get(pre+"_BASE_URL", p.BaseURL)
		p.Host = env.Get(pre+"_HOST", p.Host)
		p.Model = env.Get(pre+"_MODEL", p.Model)
		p.Timeout = env.GetDuration(pre+"_TIMEOUT", p.Timeout)
		p.RequestsPerSecond = env.GetFloat(pre+"_RPS", p.RequestsPerSecond)
		c.Providers[id] = p

		q := c.Quota[id]
		q.Limit = env.GetInt(pre+"_QUOTA_LIMIT", q.Limit)
		q.Threshold = env.GetInt(pre+"_QUOTA_THRESHOLD", q.Threshold)
		if v := env.Get(pre+"_QUOTA_PERIOD", ""); v != "" {
			q.Period = quota.ParsePeriod(v)
		}
		c.Quota[id] = q
	}
	// the llm adapter also honours the conventional OpenAI variable
	if p := c.Providers["llm-comps"]; p.APIKey == "" {
		p.APIKey = env.Get("OPENAI_API_KEY", "")
		c.Providers["llm-comps"] = p
	}

	for class := range cache.DefaultTTLs {
		k := "TTL_" + strings.ToUpper(strings.ReplaceAll(string(class), "-", "_"))
		if d := env.GetDuration(k, 0); d > 0 {
			c.TTL[string(class)] = d
		}
	}

	c.Orchestrator.Retries = env.GetInt("FETCH_RETRIES", c.Orchestrator.Retries)
	c.Orchestrator.BaseDelay = env.GetDuration("FETCH_BASE_DELAY", c.Orchestrator.BaseDelay)
	c.Orchestrator.AttemptTimeout = env.GetDuration("FETCH_ATTEMPT_TIMEOUT", c.Orchestrator.AttemptTimeout)
	if order := env.GetList("PROVIDER_ORDER"); len(order) > 0 {
		c.Orchestrator.Order = order
	}

	c.Reconcile.RemodelPremium = env.GetFloat("REMODEL_PREMIUM", c.Reconcile.RemodelPremium)
	c.History.DeviationThreshold = env.GetFloat("DEVIATION_THRESHOLD", c.History.DeviationThreshold)

	if srcs := env.GetList("ESTIMATE_SOURCES"); len(srcs) > 0 {
		c.Valuation.EstimateSources = srcs
	}
	c.Valuation.MaxComps = env.GetInt("MAX_COMPS", c.Valuation.MaxComps)
	c.Valuation.RadiusMiles = env.GetFloat("COMP_RADIUS_MILES", c.Valuation.RadiusMiles)

	c.Refresh.Workers = env.GetInt("REFRESH_WORKERS", c.Refresh.Workers)
	c.Refresh.Capacity = env.GetInt("REFRESH_CAPACITY", c.Refresh.Capacity)

	if addrs := env.GetList("WARMER_ADDRESSES"); len(addrs) > 0 {
		c.Warmer.Addresses = ParseAddresses(addrs)
	}
	c.Warmer.Depth = env.Get("WARMER_DEPTH", c.Warmer.Depth)
	c.Warmer.Interval = env.GetDuration("WARMER_INTERVAL", c.Warmer.Interval)
	c.Warmer.Pause = env.GetDuration("WARMER_PAUSE", c.Warmer.Pause)
	c.Warmer.RunOnce = env.GetBool("WARMER_RUN_ONCE", c.Warmer.RunOnce)
}

// ParseAddresses reads "address|city|state|zip" entries; malformed entries
// are dropped.
func ParseAddresses(entries []string) []model.PropertyIdentity {
	var out []model.PropertyIdentity
	for _, e := range entries {
		parts := strings.Split(e, "|")
		if len(parts) != 4 {
			continue
		}
		id := model.PropertyIdentity{
			Address: strings.TrimSpace(parts[0]),
			City:    strings.TrimSpace(parts[1]),
			State:   strings.TrimSpace(parts[2]),
			Zip:     strings.TrimSpace(parts[3]),
		}
		if id.Validate() != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var errs error
	for class := range c.TTL {
		if _, ok := cache.ParseClass(class); !ok {
			errs = errors.Join(errs, fmt.Errorf("config: unknown ttl class %q", class))
		}
	}
	if _, err := valuation.ParseDepth(c.Warmer.Depth); err != nil {
		errs = errors.Join(errs, fmt.Errorf("config: warmer: %w", err))
	}
	return errs
}

// TTLs returns the cache duration table with overrides applied.
func (c Config) TTLs() cache.TTLTable {
	o := make(map[cache.TTLClass]time.Duration, len(c.TTL))
	for k, v := range c.TTL {
		o[cache.TTLClass(k)] = v
	}
	return cache.DefaultTTLs.WithOverrides(o)
}

func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Retries:        c.Orchestrator.Retries,
		BaseDelay:      c.Orchestrator.BaseDelay,
		AttemptTimeout: c.Orchestrator.AttemptTimeout,
		Order:          c.Orchestrator.Order,
	}
}

func (c Config) ValuationConfig() valuation.Config {
	return valuation.Config{
		EstimateSources: c.Valuation.EstimateSources,
		MaxComps:        c.Valuation.MaxComps,
		RadiusMiles:     c.Valuation.RadiusMiles,
	}
}
