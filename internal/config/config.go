// Package config loads and validates enricher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/retry"
)

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	Logging     LoggingConfig          `mapstructure:"logging"`
	Session     SessionConfig          `mapstructure:"session"`
	RateLimit   RateLimitConfig        `mapstructure:"ratelimit"`
	Retry       RetryConfig            `mapstructure:"retry"`
	Phases      map[string]PhaseConfig `mapstructure:"phases"`
	Discovery   DiscoveryConfig        `mapstructure:"discovery"`
	Extraction  ExtractionConfig       `mapstructure:"extraction"`
	Sources     SourcesConfig          `mapstructure:"sources"`
	Reviews     ReviewsConfig          `mapstructure:"reviews"`
	Prices      PricesConfig           `mapstructure:"prices"`
	Documents   DocumentsConfig        `mapstructure:"documents"`
	AI          AIConfig               `mapstructure:"ai"`
	Unification UnificationConfig      `mapstructure:"unification"`
	Scoring     ScoringConfig          `mapstructure:"scoring"`
	Store       StoreConfig            `mapstructure:"store"`
	Output      OutputConfig           `mapstructure:"output"`
	Publisher   PublisherConfig        `mapstructure:"publisher"`
	Server      ServerConfig           `mapstructure:"server"`
}

// LoggingConfig controls zap logger construction.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SessionConfig controls the shared browser.
type SessionConfig struct {
	// Browser disables chromedp entirely when false; pages are then fetched statically.
	Browser           bool   `mapstructure:"browser"`
	Headless          bool   `mapstructure:"headless"`
	ExecPath          string `mapstructure:"exec_path"`
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	SettleMillis      int    `mapstructure:"settle_millis"`
	HTTPTimeoutSecs   int    `mapstructure:"http_timeout_seconds"`
	MinBodyBytes      int    `mapstructure:"min_body_bytes"`
}

// RateLimitConfig sets the per-domain politeness budget.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// RetryConfig sets the provider-level retry budget for transient failures.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// Policy converts the config into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(r.BackoffMaxMs) * time.Millisecond,
	}
}

// PhaseConfig toggles and sizes one pipeline phase.
type PhaseConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	Workers            int  `mapstructure:"workers"`
	ItemTimeoutSeconds int  `mapstructure:"item_timeout_seconds"`
}

// ItemTimeout converts the per-item budget to a duration.
func (p PhaseConfig) ItemTimeout() time.Duration {
	return time.Duration(p.ItemTimeoutSeconds) * time.Second
}

// Selectors locate key/value rows on a page.
type Selectors struct {
	Row   string `mapstructure:"row"`
	Key   string `mapstructure:"key"`
	Value string `mapstructure:"value"`
}

// DiscoveryConfig describes the listing pages products are discovered from.
type DiscoveryConfig struct {
	ListingURL string `mapstructure:"listing_url"`
	MaxPages   int    `mapstructure:"max_pages"`
	Card       string `mapstructure:"card"`
	Name       string `mapstructure:"name"`
	Link       string `mapstructure:"link"`
	Price      string `mapstructure:"price"`
}

// LinkSelectors locate offers for other sites on the authoritative page.
type LinkSelectors struct {
	Item  string `mapstructure:"item"`
	Name  string `mapstructure:"name"`
	Price string `mapstructure:"price"`
}

// ExtractionConfig describes the authoritative product page.
type ExtractionConfig struct {
	Specs     Selectors     `mapstructure:"specs"`
	Features  Selectors     `mapstructure:"features"`
	Links     LinkSelectors `mapstructure:"links"`
	Price     string        `mapstructure:"price"`
	Brand     string        `mapstructure:"brand"`
	Model     string        `mapstructure:"model"`
	Documents string        `mapstructure:"documents"`
}

// ProviderConfig defines one selector-driven source provider.
type ProviderConfig struct {
	Name     string    `mapstructure:"name"`
	Enabled  *bool     `mapstructure:"enabled"`
	Patterns []string  `mapstructure:"patterns"`
	Specs    Selectors `mapstructure:"specs"`
	Features Selectors `mapstructure:"features"`
	Price    string    `mapstructure:"price"`
}

// IsEnabled treats an absent flag as enabled.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// SourcesConfig holds orchestrator policy and provider definitions.
type SourcesConfig struct {
	Priority            []string         `mapstructure:"priority"`
	StopAtFirstSuccess  bool             `mapstructure:"stop_at_first_success"`
	MinSpecsThreshold   int              `mapstructure:"min_specs_threshold"`
	FallbackEnabled     bool             `mapstructure:"fallback_enabled"`
	MaxFallbackAttempts int              `mapstructure:"max_fallback_attempts"`
	MinLinks            int              `mapstructure:"min_links"`
	SearchURL           string           `mapstructure:"search_url"`
	Redirectors         []string         `mapstructure:"redirectors"`
	Providers           []ProviderConfig `mapstructure:"providers"`
}

// ReviewSourceConfig defines one review source.
type ReviewSourceConfig struct {
	Name     string   `mapstructure:"name"`
	Enabled  *bool    `mapstructure:"enabled"`
	Patterns []string `mapstructure:"patterns"`
	Rating   string   `mapstructure:"rating"`
	Count    string   `mapstructure:"count"`
	Summary  string   `mapstructure:"summary"`
	Pros     string   `mapstructure:"pros"`
	Cons     string   `mapstructure:"cons"`
	Texts    string   `mapstructure:"texts"`
}

// IsEnabled treats an absent flag as enabled.
func (r ReviewSourceConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ReviewsConfig lists review sources in priority order.
type ReviewsConfig struct {
	Sources []ReviewSourceConfig `mapstructure:"sources"`
	// Sentiment sends collected review texts to the model when one is configured.
	Sentiment bool `mapstructure:"sentiment"`
	MaxTexts  int  `mapstructure:"max_texts"`
}

// PricesConfig tunes price discovery across retailers.
type PricesConfig struct {
	SearchURL    string  `mapstructure:"search_url"`
	QuerySuffix  string  `mapstructure:"query_suffix"`
	MaxLinks     int     `mapstructure:"max_links"`
	TolerancePct float64 `mapstructure:"tolerance_pct"`
	MinAmount    float64 `mapstructure:"min_amount"`
	MaxAmount    float64 `mapstructure:"max_amount"`
}

// DocumentsConfig tunes the PDF fallback.
type DocumentsConfig struct {
	TargetRatio   float64  `mapstructure:"target_ratio"`
	MinSpecs      int      `mapstructure:"min_specs"`
	MaxDocuments  int      `mapstructure:"max_documents"`
	SearchURL     string   `mapstructure:"search_url"`
	TrustedHosts  []string `mapstructure:"trusted_hosts"`
	WindowSize    int      `mapstructure:"window_size"`
	WindowOverlap int      `mapstructure:"window_overlap"`
	MinWindow     int      `mapstructure:"min_window"`
	MaxWindows    int      `mapstructure:"max_windows"`
}

// AIConfig configures the LLM used for classification and AI fallback.
type AIConfig struct {
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	MaxTokens     int64  `mapstructure:"max_tokens"`
	MaxInputChars int    `mapstructure:"max_input_chars"`
}

// UnificationConfig controls key analysis and map application.
type UnificationConfig struct {
	MapFiles       []string `mapstructure:"map_files"`
	Classifier     bool     `mapstructure:"classifier"`
	SampleLimit    int      `mapstructure:"sample_limit"`
	AnalysisOut    string   `mapstructure:"analysis_out"`
	MapOut         string   `mapstructure:"map_out"`
	AutoCategorize bool     `mapstructure:"auto_categorize"`
}

// ScoringConfig controls the review quality score.
type ScoringConfig struct {
	// PriorMean on the 0-100 scale; 0 derives it from the corpus.
	PriorMean    float64 `mapstructure:"prior_mean"`
	Confidence   float64 `mapstructure:"confidence"`
	DefaultPrior float64 `mapstructure:"default_prior"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// OutputConfig locates the JSON artifact; gs:// paths upload to GCS.
type OutputConfig struct {
	Path string `mapstructure:"path"`
}

// PublisherConfig configures the run-completed notification.
type PublisherConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the optional status API.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENRICHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

var phaseWorkers = map[product.Phase]int{
	product.PhaseDiscovery:      2,
	product.PhaseBaseExtraction: 4,
	product.PhaseSourceLinks:    3,
	product.PhaseSourceSpecs:    4,
	product.PhaseDocuments:      2,
	product.PhaseReviews:        3,
	product.PhasePrices:         2,
	product.PhaseAIFallback:     2,
	product.PhaseUnification:    1,
	product.PhaseScoring:        1,
	product.PhasePersistence:    1,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("session.browser", true)
	v.SetDefault("session.headless", true)
	v.SetDefault("session.user_agent", "product-enricher/0.1")
	v.SetDefault("session.nav_timeout_seconds", 45)
	v.SetDefault("session.settle_millis", 500)
	v.SetDefault("session.http_timeout_seconds", 15)
	v.SetDefault("session.min_body_bytes", 2048)

	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 2)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 5000)

	for phase, workers := range phaseWorkers {
		key := "phases." + string(phase)
		v.SetDefault(key+".enabled", true)
		v.SetDefault(key+".workers", workers)
		v.SetDefault(key+".item_timeout_seconds", 120)
	}
	v.SetDefault("phases.documents.enabled", false)
	v.SetDefault("phases.ai_fallback.enabled", false)
	v.SetDefault("phases.prices.enabled", false)

	v.SetDefault("discovery.max_pages", 1)

	v.SetDefault("sources.stop_at_first_success", true)
	v.SetDefault("sources.min_specs_threshold", 10)
	v.SetDefault("sources.fallback_enabled", true)
	v.SetDefault("sources.max_fallback_attempts", 2)
	v.SetDefault("sources.min_links", 1)
	v.SetDefault("sources.search_url", "https://html.duckduckgo.com/html/?q={query}")
	v.SetDefault("sources.redirectors", []string{"awin1.com", "trx-hub.com", "click.linksynergy.com", "prf.hn"})

	v.SetDefault("reviews.sentiment", true)
	v.SetDefault("reviews.max_texts", 50)

	v.SetDefault("prices.search_url", "https://html.duckduckgo.com/html/?q={query}")
	v.SetDefault("prices.query_suffix", "buy online UK")
	v.SetDefault("prices.max_links", 8)
	v.SetDefault("prices.tolerance_pct", 20)
	v.SetDefault("prices.min_amount", 1)
	v.SetDefault("prices.max_amount", 10000)

	v.SetDefault("documents.target_ratio", 0.5)
	v.SetDefault("documents.min_specs", 5)
	v.SetDefault("documents.max_documents", 3)
	v.SetDefault("documents.window_size", 1000)
	v.SetDefault("documents.window_overlap", 500)
	v.SetDefault("documents.min_window", 400)
	v.SetDefault("documents.max_windows", 3)

	v.SetDefault("ai.model", "claude-sonnet-4-5")
	v.SetDefault("ai.max_tokens", 4096)
	v.SetDefault("ai.max_input_chars", 30000)

	v.SetDefault("unification.classifier", true)
	v.SetDefault("unification.sample_limit", 10)

	v.SetDefault("scoring.confidence", 30)
	v.SetDefault("scoring.default_prior", 80)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.table", "products")
	v.SetDefault("output.path", "products.json")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	for _, phase := range product.Phases() {
		pc := c.Phase(phase)
		if pc.Enabled && pc.Workers <= 0 {
			return fmt.Errorf("phases.%s.workers must be > 0", phase)
		}
		if pc.ItemTimeoutSeconds < 0 {
			return fmt.Errorf("phases.%s.item_timeout_seconds must be >= 0", phase)
		}
	}
	if c.Sources.MinSpecsThreshold < 0 {
		return fmt.Errorf("sources.min_specs_threshold must be >= 0")
	}
	if c.Sources.MaxFallbackAttempts < 0 {
		return fmt.Errorf("sources.max_fallback_attempts must be >= 0")
	}
	seen := make(map[string]struct{}, len(c.Sources.Providers))
	for i, p := range c.Sources.Providers {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return fmt.Errorf("sources.providers[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("sources.providers[%d]: duplicate provider %q", i, p.Name)
		}
		seen[name] = struct{}{}
		if len(p.Patterns) == 0 {
			return fmt.Errorf("sources.providers[%d].patterns must not be empty", i)
		}
	}
	if tol := c.Prices.TolerancePct; c.Phase(product.PhasePrices).Enabled && (tol <= 0 || tol >= 100) {
		return fmt.Errorf("prices.tolerance_pct must be within (0, 100)")
	}
	if c.Prices.MaxAmount < c.Prices.MinAmount {
		return fmt.Errorf("prices.max_amount must be >= prices.min_amount")
	}
	if c.Scoring.Confidence <= 0 {
		return fmt.Errorf("scoring.confidence must be > 0")
	}
	if c.Scoring.PriorMean < 0 || c.Scoring.PriorMean > 100 {
		return fmt.Errorf("scoring.prior_mean must be within 0-100")
	}
	switch c.Store.Driver {
	case "memory", "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if (c.Store.Driver == "sqlite" || c.Store.Driver == "postgres") && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set for driver %s", c.Store.Driver)
	}
	if c.Publisher.Topic != "" && c.Publisher.ProjectID == "" {
		return fmt.Errorf("publisher.project_id must be set when publisher.topic is set")
	}
	return nil
}

// Phase returns the settings for phase, zero-valued (disabled) when absent.
func (c Config) Phase(phase product.Phase) PhaseConfig {
	return c.Phases[string(phase)]
}

// NavTimeout is the browser navigation budget.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Session.NavTimeoutSeconds) * time.Second
}
