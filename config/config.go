package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the impact engine.
type Config struct {
	General    GeneralConfig   `mapstructure:"general"`
	Server     ServerConfig    `mapstructure:"server"`
	Sources    SourcesConfig   `mapstructure:"sources"`
	Retry      RetryConfig     `mapstructure:"retry"`
	Breaker    BreakerConfig   `mapstructure:"breaker"`
	Cache      CacheConfig     `mapstructure:"cache"`
	Storage    StorageConfig   `mapstructure:"storage"`
	Router     RouterConfig    `mapstructure:"router"`
	Scoring    ScoringConfig   `mapstructure:"scoring"`
	RateLimits RateLimitConfig `mapstructure:"rate_limits"`
	Events     EventsConfig    `mapstructure:"events"`
	Telemetry  TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug                 bool          `mapstructure:"debug"`
	LogLevel              string        `mapstructure:"log_level"`
	MaxProcessingTime     time.Duration `mapstructure:"max_processing_time"`
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	StreamEnabled bool   `mapstructure:"stream_enabled"`
}

// SourcesConfig contains the four upstream source configurations
type SourcesConfig struct {
	News     SourceConfig   `mapstructure:"news"`
	Search   SourceConfig   `mapstructure:"search"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Research ResearchConfig `mapstructure:"research"`
}

// SourceConfig describes an API-key protected upstream (News, Search).
type SourceConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Endpoint   string        `mapstructure:"endpoint"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (s SourceConfig) Validate(name string) error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("sources.%s.endpoint is required", name)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("sources.%s.timeout must be > 0", name)
	}
	return nil
}

// AnalysisConfig describes the bearer-token structured analysis upstream.
type AnalysisConfig struct {
	APIKey   string        `mapstructure:"api_key"`
	Endpoint string        `mapstructure:"endpoint"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (a AnalysisConfig) Validate() error {
	if strings.TrimSpace(a.Endpoint) == "" {
		return fmt.Errorf("sources.analysis.endpoint is required")
	}
	if a.Timeout <= 0 {
		return fmt.Errorf("sources.analysis.timeout must be > 0")
	}
	return nil
}

// ResearchConfig describes the bearer-token deep research upstream.
type ResearchConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Endpoint   string        `mapstructure:"endpoint"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxSources int           `mapstructure:"max_sources"`
}

func (r ResearchConfig) Validate() error {
	if strings.TrimSpace(r.Endpoint) == "" {
		return fmt.Errorf("sources.research.endpoint is required")
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("sources.research.timeout must be > 0")
	}
	return nil
}

// RetryConfig bounds adapter retries before a failure reaches the breaker.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if r.InitialInterval <= 0 {
		return fmt.Errorf("retry.initial_interval must be > 0")
	}
	return nil
}

// BreakerConfig contains circuit breaker parameters shared by all sources.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

func (b BreakerConfig) Validate() error {
	if b.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1")
	}
	if b.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be > 0")
	}
	return nil
}

// CacheConfig holds the per-source TTL strategy table and the backend choice.
type CacheConfig struct {
	Backend  string          `mapstructure:"backend"`
	Capacity int             `mapstructure:"capacity"`
	TTL      SourceDurations `mapstructure:"ttl"`
	StaleFor SourceDurations `mapstructure:"stale_for"`
}

// SourceDurations keys a duration per source kind.
type SourceDurations struct {
	News     time.Duration `mapstructure:"news"`
	Search   time.Duration `mapstructure:"search"`
	Analysis time.Duration `mapstructure:"analysis"`
	Research time.Duration `mapstructure:"research"`
}

func (c CacheConfig) Validate() error {
	switch c.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Backend)
	}
	if c.Backend == "memory" && c.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0 for the memory backend")
	}
	for name, d := range map[string]time.Duration{
		"news": c.TTL.News, "search": c.TTL.Search,
		"analysis": c.TTL.Analysis, "research": c.TTL.Research,
	} {
		if d <= 0 {
			return fmt.Errorf("cache.ttl.%s must be > 0", name)
		}
	}
	return nil
}

// StorageConfig contains external storage settings (Redis only; result
// persistence belongs to collaborators).
type StorageConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host      string        `mapstructure:"host"`
	Port      string        `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the go-redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// RouterConfig is the routing policy table: complexity weights, thresholds
// and per-route budgets.
type RouterConfig struct {
	KeywordWeight      float64       `mapstructure:"keyword_weight"`
	ThoroughBias       float64       `mapstructure:"thorough_bias"`
	RealtimeBias       float64       `mapstructure:"realtime_bias"`
	ColdEntityBias     float64       `mapstructure:"cold_entity_bias"`
	DeepDiveThreshold  float64       `mapstructure:"deep_dive_threshold"`
	FastTrackThreshold float64       `mapstructure:"fast_track_threshold"`
	ProfileFreshness   time.Duration `mapstructure:"profile_freshness"`
	MaxKeywords        int           `mapstructure:"max_keywords"`
	Budgets            BudgetConfig  `mapstructure:"budgets"`
}

// BudgetConfig holds per-route wall-clock budgets.
type BudgetConfig struct {
	FastTrack time.Duration `mapstructure:"fast_track"`
	Standard  time.Duration `mapstructure:"standard"`
	DeepDive  time.Duration `mapstructure:"deep_dive"`
}

func (r RouterConfig) Validate() error {
	if r.FastTrackThreshold >= r.DeepDiveThreshold {
		return fmt.Errorf("router.fast_track_threshold must be below router.deep_dive_threshold")
	}
	if r.MaxKeywords < 1 {
		return fmt.Errorf("router.max_keywords must be >= 1")
	}
	if r.Budgets.FastTrack <= 0 || r.Budgets.Standard <= 0 || r.Budgets.DeepDive <= 0 {
		return fmt.Errorf("router.budgets must all be > 0")
	}
	if r.ProfileFreshness <= 0 {
		return fmt.Errorf("router.profile_freshness must be > 0")
	}
	return nil
}

// ScoringConfig is the credibility/risk policy: domain tiers, tier weights,
// down-weighting factors and confidence mix.
type ScoringConfig struct {
	TierWeights          TierWeights       `mapstructure:"tier_weights"`
	Tier1Domains         []string          `mapstructure:"tier1_domains"`
	Tier2Domains         []string          `mapstructure:"tier2_domains"`
	AnalysisWeight       float64           `mapstructure:"analysis_weight"`
	MinCredibilityFactor float64           `mapstructure:"min_credibility_factor"`
	DegradedPenalty      float64           `mapstructure:"degraded_penalty"`
	Confidence           ConfidenceWeights `mapstructure:"confidence_weights"`
	MaxEvidence          int               `mapstructure:"max_evidence"`
}

// TierWeights maps credibility tiers to weights in [0,1].
type TierWeights struct {
	Tier1 float64 `mapstructure:"tier1"`
	Tier2 float64 `mapstructure:"tier2"`
	Tier3 float64 `mapstructure:"tier3"`
}

// ConfidenceWeights mixes the confidence score components.
type ConfidenceWeights struct {
	Success     float64 `mapstructure:"success"`
	Latency     float64 `mapstructure:"latency"`
	Credibility float64 `mapstructure:"credibility"`
}

func (s ScoringConfig) Validate() error {
	for name, w := range map[string]float64{
		"tier1": s.TierWeights.Tier1, "tier2": s.TierWeights.Tier2, "tier3": s.TierWeights.Tier3,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("scoring.tier_weights.%s must be in [0,1]", name)
		}
	}
	if s.AnalysisWeight < 0 || s.AnalysisWeight > 1 {
		return fmt.Errorf("scoring.analysis_weight must be in [0,1]")
	}
	if s.MinCredibilityFactor < 0 || s.MinCredibilityFactor > 1 {
		return fmt.Errorf("scoring.min_credibility_factor must be in [0,1]")
	}
	if s.DegradedPenalty < 0 || s.DegradedPenalty > 1 {
		return fmt.Errorf("scoring.degraded_penalty must be in [0,1]")
	}
	sum := s.Confidence.Success + s.Confidence.Latency + s.Confidence.Credibility
	if sum <= 0 {
		return fmt.Errorf("scoring.confidence_weights must sum to a positive value")
	}
	if s.MaxEvidence < 1 {
		return fmt.Errorf("scoring.max_evidence must be >= 1")
	}
	return nil
}

// RateLimitConfig caps upstream request rates per source (requests/second,
// zero disables the limiter).
type RateLimitConfig struct {
	NewsRPS     float64 `mapstructure:"news_rps"`
	SearchRPS   float64 `mapstructure:"search_rps"`
	AnalysisRPS float64 `mapstructure:"analysis_rps"`
	ResearchRPS float64 `mapstructure:"research_rps"`
}

// EventsConfig controls the progress event broker and the optional Redis
// Streams sink.
type EventsConfig struct {
	Stream           string `mapstructure:"stream"`
	MaxLen           int64  `mapstructure:"max_len"`
	SubscriberBuffer int    `mapstructure:"subscriber_buffer"`
	RedisEnabled     bool   `mapstructure:"redis_enabled"`
}

func (e EventsConfig) Validate() error {
	if e.SubscriberBuffer < 1 {
		return fmt.Errorf("events.subscriber_buffer must be >= 1")
	}
	if e.RedisEnabled && strings.TrimSpace(e.Stream) == "" {
		return fmt.Errorf("events.stream is required when events.redis_enabled is set")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PeriodicLogs bool `mapstructure:"periodic_logs"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.max_processing_time", 5*time.Minute)
	v.SetDefault("general.max_concurrent_requests", 8)

	v.SetDefault("server.address", ":10010")
	v.SetDefault("server.stream_enabled", true)

	v.SetDefault("sources.news.max_results", 10)
	v.SetDefault("sources.news.timeout", 8*time.Second)
	v.SetDefault("sources.search.max_results", 10)
	v.SetDefault("sources.search.timeout", 8*time.Second)
	v.SetDefault("sources.analysis.model", "smart-latest")
	v.SetDefault("sources.analysis.timeout", 45*time.Second)
	v.SetDefault("sources.research.timeout", 90*time.Second)
	v.SetDefault("sources.research.max_sources", 8)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", 200*time.Millisecond)
	v.SetDefault("retry.max_interval", 5*time.Second)
	v.SetDefault("retry.max_elapsed_time", 20*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 30*time.Second)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.capacity", 2048)
	v.SetDefault("cache.ttl.news", 5*time.Minute)
	v.SetDefault("cache.ttl.search", time.Hour)
	v.SetDefault("cache.ttl.analysis", 2*time.Hour)
	v.SetDefault("cache.ttl.research", 24*time.Hour)
	v.SetDefault("cache.stale_for.news", 30*time.Minute)
	v.SetDefault("cache.stale_for.search", 6*time.Hour)
	v.SetDefault("cache.stale_for.analysis", 12*time.Hour)
	v.SetDefault("cache.stale_for.research", 72*time.Hour)

	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("storage.redis.key_prefix", "impact")

	v.SetDefault("router.keyword_weight", 1.0)
	v.SetDefault("router.thorough_bias", 4.0)
	v.SetDefault("router.realtime_bias", 2.0)
	v.SetDefault("router.cold_entity_bias", 1.0)
	v.SetDefault("router.deep_dive_threshold", 6.0)
	v.SetDefault("router.fast_track_threshold", 2.0)
	v.SetDefault("router.profile_freshness", 15*time.Minute)
	v.SetDefault("router.max_keywords", 16)
	v.SetDefault("router.budgets.fast_track", 10*time.Second)
	v.SetDefault("router.budgets.standard", 60*time.Second)
	v.SetDefault("router.budgets.deep_dive", 180*time.Second)

	v.SetDefault("scoring.tier_weights.tier1", 1.0)
	v.SetDefault("scoring.tier_weights.tier2", 0.6)
	v.SetDefault("scoring.tier_weights.tier3", 0.3)
	v.SetDefault("scoring.tier1_domains", []string{
		"reuters.com", "apnews.com", "bloomberg.com", "wsj.com", "ft.com",
		"nytimes.com", "washingtonpost.com", "bbc.com", "bbc.co.uk",
		"economist.com", "cnbc.com", "theguardian.com",
	})
	v.SetDefault("scoring.tier2_domains", []string{
		"techcrunch.com", "theverge.com", "arstechnica.com", "wired.com",
		"venturebeat.com", "theinformation.com", "axios.com",
		"businessinsider.com", "forbes.com", "fortune.com", "politico.com",
	})
	v.SetDefault("scoring.analysis_weight", 0.7)
	v.SetDefault("scoring.min_credibility_factor", 0.5)
	v.SetDefault("scoring.degraded_penalty", 0.3)
	v.SetDefault("scoring.confidence_weights.success", 0.5)
	v.SetDefault("scoring.confidence_weights.latency", 0.2)
	v.SetDefault("scoring.confidence_weights.credibility", 0.3)
	v.SetDefault("scoring.max_evidence", 24)

	v.SetDefault("rate_limits.news_rps", 5.0)
	v.SetDefault("rate_limits.search_rps", 5.0)
	v.SetDefault("rate_limits.analysis_rps", 1.0)
	v.SetDefault("rate_limits.research_rps", 0.5)

	v.SetDefault("events.stream", "impact:events")
	v.SetDefault("events.max_len", int64(10000))
	v.SetDefault("events.subscriber_buffer", 64)
	v.SetDefault("events.redis_enabled", false)

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.periodic_logs", false)

	v.SetEnvPrefix("IMPACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	v := newViper()

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &config
}

// Default returns the built-in defaults without reading a config file. Source
// endpoints and API keys are empty; callers (mostly tests) fill them in.
func Default() *Config {
	var config Config
	if err := newViper().Unmarshal(&config); err != nil {
		panic(fmt.Errorf("default config: %w", err))
	}
	return &config
}

// Validate checks every section that has invariants. Source credentials are
// intentionally not checked here so partial deployments (e.g. no research
// key) can still boot; adapters surface auth failures per call.
func (c *Config) Validate() error {
	if err := c.Sources.News.Validate("news"); err != nil {
		return err
	}
	if err := c.Sources.Search.Validate("search"); err != nil {
		return err
	}
	if err := c.Sources.Analysis.Validate(); err != nil {
		return err
	}
	if err := c.Sources.Research.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Router.Validate(); err != nil {
		return err
	}
	if err := c.Scoring.Validate(); err != nil {
		return err
	}
	if err := c.Events.Validate(); err != nil {
		return err
	}
	if c.Cache.Backend == "redis" || c.Events.RedisEnabled {
		if err := c.Storage.Redis.Validate(); err != nil {
			return err
		}
	}
	return nil
}
