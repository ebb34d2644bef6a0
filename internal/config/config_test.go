package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/valuation-api/internal/cache"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/quota"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Orchestrator.Retries)
	assert.Equal(t, time.Second, cfg.Orchestrator.BaseDelay)
	assert.Equal(t, []string{"attom", "rentcast"}, cfg.Valuation.EstimateSources)
	assert.Equal(t, 7*24*time.Hour, cfg.TTLs()[cache.ClassEstimate])
}

const overlay = `
http_addr: ":9090"
providers:
  attom:
    api_key: from-file
  realtor:
    host: realtor.example.com
quota:
  rentcast:
    limit: 100
    period: day
ttl:
  comps: 48h
orchestrator:
  retries: 5
reconcile:
  remodel_premium: 0.2
history:
  deviation_threshold: 0.1
warmer:
  depth: deep
  addresses:
    - {address: 12 Oak St, city: Austin, state: TX, zip: "78701"}
`

func TestYAMLOverlayMergesIntoDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.overlayYAML([]byte(overlay)))

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "from-file", cfg.Providers["attom"].APIKey)
	assert.Equal(t, 6*time.Second, cfg.Providers["attom"].Timeout)
	assert.Equal(t, 2.0, cfg.Providers["attom"].RequestsPerSecond)
	assert.Equal(t, "realtor.example.com", cfg.Providers["realtor"].Host)
	assert.Equal(t, 10*time.Second, cfg.Providers["realtor"].Timeout)

	assert.Equal(t, quota.Policy{Limit: 100, Period: quota.Daily}, cfg.Quota["rentcast"])
	assert.Equal(t, 1000, cfg.Quota["attom"].Limit)

	assert.Equal(t, 48*time.Hour, cfg.TTLs()[cache.ClassComps])
	assert.Equal(t, 30*24*time.Hour, cfg.TTLs()[cache.ClassPropertyDetail])

	assert.Equal(t, 5, cfg.Orchestrator.Retries)
	assert.Equal(t, time.Second, cfg.Orchestrator.BaseDelay)
	assert.Equal(t, 0.2, cfg.Reconcile.RemodelPremium)
	assert.Equal(t, 1.5, cfg.Reconcile.RemodeledWeight)
	assert.Equal(t, 0.1, cfg.History.DeviationThreshold)

	assert.Equal(t, "deep", cfg.Warmer.Depth)
	assert.Equal(t, []model.PropertyIdentity{{Address: "12 Oak St", City: "Austin", State: "TX", Zip: "78701"}}, cfg.Warmer.Addresses)
	require.NoError(t, cfg.Validate())
}

func TestYAMLOverlayDoesNotLeakIntoDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.overlayYAML([]byte(overlay)))
	assert.Empty(t, Default().Providers["attom"].APIKey)
}

func TestLoadLayersEnvOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valuation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0o600))

	t.Setenv("VALUATION_CONFIG", path)
	t.Setenv("ATTOM_API_KEY", "from-env")
	t.Setenv("RENTCAST_QUOTA_LIMIT", "75")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PORT", "8088")
	t.Setenv("TTL_MARKET_RATE", "2h")
	t.Setenv("PROVIDER_ORDER", "rentcast,attom")
	t.Setenv("WARMER_ADDRESSES", "1 Elm St|Austin|TX|78702;bad entry")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8088", cfg.HTTPAddr)
	assert.Equal(t, "from-env", cfg.Providers["attom"].APIKey)
	assert.Equal(t, 75, cfg.Quota["rentcast"].Limit)
	assert.Equal(t, quota.Daily, cfg.Quota["rentcast"].Period)
	assert.Equal(t, "sk-test", cfg.Providers["llm-comps"].APIKey)
	assert.Equal(t, 2*time.Hour, cfg.TTLs()[cache.ClassMarketRate])
	assert.Equal(t, 48*time.Hour, cfg.TTLs()[cache.ClassComps])
	assert.Equal(t, []string{"rentcast", "attom"}, cfg.OrchestratorConfig().Order)
	require.Len(t, cfg.Warmer.Addresses, 1)
	assert.Equal(t, "1 Elm St", cfg.Warmer.Addresses[0].Address)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("VALUATION_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"ttl class":  func(c *Config) { c.TTL["forever"] = time.Hour },
		"depth":      func(c *Config) { c.Warmer.Depth = "exhaustive" },
		"retries":    func(c *Config) { c.Orchestrator.Retries = 50 },
		"base delay": func(c *Config) { c.Orchestrator.BaseDelay = 0 },
		"http addr":  func(c *Config) { c.HTTPAddr = "" },
		"max comps":  func(c *Config) { c.Valuation.MaxComps = 0 },
		"rps": func(c *Config) {
			p := c.Providers["attom"]
			p.RequestsPerSecond = -1
			c.Providers["attom"] = p
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseAddresses(t *testing.T) {
	got := ParseAddresses([]string{
		"12 Oak St|Austin|TX|78701",
		" 9 Pine Rd | Dallas | TX | 75201 ",
		"no pipes here",
		"|Austin|TX|78701",
	})
	assert.Equal(t, []model.PropertyIdentity{
		{Address: "12 Oak St", City: "Austin", State: "TX", Zip: "78701"},
		{Address: "9 Pine Rd", City: "Dallas", State: "TX", Zip: "75201"},
	}, got)
}
