package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gustycube/c2feed/internal/circuitbreaker"
	"github.com/gustycube/c2feed/internal/misp"
)

// Config is the complete c2feed configuration.
type Config struct {
	// Read API
	Listen       string  `yaml:"listen" json:"listen"`
	APIKey       string  `yaml:"api_key" json:"api_key"`
	APIKeyHeader string  `yaml:"api_key_header" json:"api_key_header"`
	MaxConns     int     `yaml:"max_conns" json:"max_conns"`
	RateLimit    float64 `yaml:"rate_limit" json:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst" json:"rate_burst"`
	CacheSize    int     `yaml:"cache_size" json:"cache_size"`
	CacheTTLSec  int     `yaml:"cache_ttl_sec" json:"cache_ttl_sec"`

	// Upstream
	UpstreamURL         string `yaml:"upstream_url" json:"upstream_url"`
	UpstreamKey         string `yaml:"upstream_key" json:"upstream_key"`
	UpstreamKeyHeader   string `yaml:"upstream_key_header" json:"upstream_key_header"`
	UpstreamTimeoutSec  int    `yaml:"upstream_timeout_sec" json:"upstream_timeout_sec"`
	BreakerThreshold    int    `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerTimeoutSec   int    `yaml:"breaker_timeout_sec" json:"breaker_timeout_sec"`
	PollIntervalSec     int    `yaml:"poll_interval_sec" json:"poll_interval_sec"`
	FlushIntervalSec    int    `yaml:"flush_interval_sec" json:"flush_interval_sec"`
	MaxRecordAgeSec     int    `yaml:"max_record_age_sec" json:"max_record_age_sec"`
	SkipMalformed       bool   `yaml:"skip_malformed" json:"skip_malformed"`
	StaleAfterPollCount int    `yaml:"stale_after_poll_count" json:"stale_after_poll_count"`

	// Redis
	RedisAddr           string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword       string `yaml:"redis_password" json:"redis_password"`
	RedisDB             int    `yaml:"redis_db" json:"redis_db"`
	RedisTimeoutSec     int    `yaml:"redis_timeout_sec" json:"redis_timeout_sec"`
	RedisConnectWaitSec int    `yaml:"redis_connect_wait_sec" json:"redis_connect_wait_sec"`
	ManifestKey         string `yaml:"manifest_key" json:"manifest_key"`
	EventPrefixKey      string `yaml:"event_prefix_key" json:"event_prefix_key"`
	HashesKey           string `yaml:"hashes_key" json:"hashes_key"`

	// Feed
	DailyEventName string     `yaml:"daily_event_name" json:"daily_event_name"`
	OrgName        string     `yaml:"org_name" json:"org_name"`
	OrgUUID        string     `yaml:"org_uuid" json:"org_uuid"`
	Analysis       *int       `yaml:"analysis" json:"analysis"`
	ThreatLevelID  int        `yaml:"threat_level_id" json:"threat_level_id"`
	Published      *bool      `yaml:"published" json:"published"`
	EventTags      []misp.Tag `yaml:"event_tags" json:"event_tags"`
	ObjectTags     []misp.Tag `yaml:"object_tags" json:"object_tags"`
	ObjectTemplate string     `yaml:"object_template" json:"object_template"`
	TemplatesDir   string     `yaml:"templates_dir" json:"templates_dir"`
	HashAlgorithm  string     `yaml:"hash_algorithm" json:"hash_algorithm"`

	// Observability
	LogLevel     string `yaml:"log_level" json:"log_level"`
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`
}

// DefaultEventTags are stamped on every daily event.
var DefaultEventTags = []misp.Tag{
	{Name: "tlp:amber", Colour: "#fcc000"},
	{Name: "PAP:AMBER", Colour: "#ffc000"},
	{Name: "SUNET:C2-scanner-feed", Colour: "#ff5c00"},
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.Listen == "" {
		c.Listen = ":8000"
	}
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = "Api-Key"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 256
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.CacheSize == 0 {
		c.CacheSize = 64
	}
	if c.CacheTTLSec == 0 {
		c.CacheTTLSec = 3600
	}
	if c.UpstreamKeyHeader == "" {
		c.UpstreamKeyHeader = "API-KEY"
	}
	if c.UpstreamTimeoutSec == 0 {
		c.UpstreamTimeoutSec = 60
	}
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = 2 * 3600
	}
	breaker := circuitbreaker.DefaultConfig()
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = int(breaker.Threshold)
	}
	if c.BreakerTimeoutSec == 0 {
		// an open breaker must never outlast a poll cycle
		c.BreakerTimeoutSec = min(int(breaker.Timeout/time.Second), c.PollIntervalSec)
	}
	if c.FlushIntervalSec == 0 {
		c.FlushIntervalSec = 5 * 60
	}
	if c.MaxRecordAgeSec == 0 {
		c.MaxRecordAgeSec = 24 * 3600
	}
	if c.StaleAfterPollCount == 0 {
		c.StaleAfterPollCount = 3
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.RedisTimeoutSec == 0 {
		c.RedisTimeoutSec = 3
	}
	if c.RedisConnectWaitSec == 0 {
		c.RedisConnectWaitSec = 30
	}
	if c.ManifestKey == "" {
		c.ManifestKey = "misp_c2_manifest"
	}
	if c.EventPrefixKey == "" {
		c.EventPrefixKey = "misp_c2_event_prefix_"
	}
	if c.HashesKey == "" {
		c.HashesKey = "misp_c2_hashes"
	}
	if c.DailyEventName == "" {
		c.DailyEventName = "SUNET_C2_daily"
	}
	if c.OrgName == "" {
		c.OrgName = "SUNET_C2-scanner"
	}
	if c.Analysis == nil {
		analysis := 2
		c.Analysis = &analysis
	}
	if c.ThreatLevelID == 0 {
		c.ThreatLevelID = 1
	}
	if c.Published == nil {
		published := true
		c.Published = &published
	}
	if len(c.EventTags) == 0 {
		c.EventTags = append([]misp.Tag(nil), DefaultEventTags...)
	}
	if c.ObjectTemplate == "" {
		c.ObjectTemplate = "c2-server"
	}
	if c.HashAlgorithm == "" {
		c.HashAlgorithm = "md5"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.OTELService == "" {
		c.OTELService = "c2feed"
	}
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.Analysis != nil && (*c.Analysis < 0 || *c.Analysis > 2) {
		return fmt.Errorf("analysis must be 0, 1 or 2")
	}
	if c.ThreatLevelID < 1 || c.ThreatLevelID > 4 {
		return fmt.Errorf("threat_level_id must be between 1 and 4")
	}
	if c.PollIntervalSec < 1 {
		return fmt.Errorf("poll_interval_sec must be at least 1")
	}
	if c.FlushIntervalSec < 1 {
		return fmt.Errorf("flush_interval_sec must be at least 1")
	}
	if c.MaxRecordAgeSec < 1 {
		return fmt.Errorf("max_record_age_sec must be at least 1")
	}
	switch strings.ToLower(c.HashAlgorithm) {
	case "md5", "xxhash", "xxh64":
	default:
		return fmt.Errorf("hash_algorithm must be md5 or xxhash, got %q", c.HashAlgorithm)
	}
	if c.EventPrefixKey == "" || strings.ContainsAny(c.EventPrefixKey, "*?[") {
		return fmt.Errorf("event_prefix_key must be set and free of glob characters")
	}
	return nil
}

// ValidateServe additionally checks what the long-running service needs.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key (MISP_FEED_API_KEY) is required")
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url (C2_API_URL) is required")
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("max_conns must be at least 1")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("breaker_threshold must be at least 1")
	}
	if c.BreakerTimeoutSec < 1 || c.BreakerTimeoutSec > c.PollIntervalSec {
		return fmt.Errorf("breaker_timeout_sec must be between 1 and poll_interval_sec (%d)", c.PollIntervalSec)
	}
	return nil
}

// PollInterval is the fixed cadence of upstream pulls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// FreshnessWindow is how long the service may go without a successful pull
// before it reports degraded.
func (c *Config) FreshnessWindow() time.Duration {
	return time.Duration(c.StaleAfterPollCount) * c.PollInterval()
}

// FlushInterval is how often the open batch and hash cache are flushed.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSec) * time.Second
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSec) * time.Second
}

// BreakerTimeout is how long the upstream breaker stays open. It never
// exceeds PollInterval in a validated config.
func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.BreakerTimeoutSec) * time.Second
}

func (c *Config) MaxRecordAge() time.Duration {
	return time.Duration(c.MaxRecordAgeSec) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

func (c *Config) RedisTimeout() time.Duration {
	return time.Duration(c.RedisTimeoutSec) * time.Second
}

func (c *Config) RedisConnectWait() time.Duration {
	return time.Duration(c.RedisConnectWaitSec) * time.Second
}

// Org is the creator organisation of the daily events.
func (c *Config) Org() misp.Org {
	return misp.Org{Name: c.OrgName, UUID: c.OrgUUID}
}

// LoadFromFile loads configuration from a YAML or JSON file and applies
// defaults. Validation is left to the caller, after env and flags.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()
	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration
// Command-line flags take precedence over file configuration
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["listen"].(string); ok && v != "" {
		c.Listen = v
	}
	if v, ok := flags["upstream_url"].(string); ok && v != "" {
		c.UpstreamURL = v
	}
	if v, ok := flags["redis_addr"].(string); ok && v != "" {
		c.RedisAddr = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["log_level"].(string); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := flags["poll_interval_sec"].(int); ok && v > 0 {
		c.PollIntervalSec = v
	}
	if v, ok := flags["flush_interval_sec"].(int); ok && v > 0 {
		c.FlushIntervalSec = v
	}
	if v, ok := flags["templates_dir"].(string); ok && v != "" {
		c.TemplatesDir = v
	}
	if v, ok := flags["hash_algorithm"].(string); ok && v != "" {
		c.HashAlgorithm = v
	}
	if v, ok := flags["skip_malformed"].(bool); ok && v {
		c.SkipMalformed = true
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok && v {
		c.OTELInsecure = true
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.RedisDB = db
	}
	if v := os.Getenv("C2_API_URL"); v != "" {
		c.UpstreamURL = v
	}
	if v := os.Getenv("C2_API_KEY"); v != "" {
		c.UpstreamKey = v
	}
	if v := os.Getenv("MISP_FEED_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTELEndpoint = v
	}
	return nil
}
