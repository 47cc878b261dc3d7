package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"retailwatch/pkg/models"
)

// SourceConfig describes one upstream source: how to reach it and how its
// fields map onto the canonical incident schema. Loaded once at process
// start and never mutated afterwards.
type SourceConfig struct {
	ID          string `yaml:"id"`
	Kind        string `yaml:"kind"` // city_api | rss | news_api
	Name        string `yaml:"name"`
	Country     string `yaml:"country"`
	CountryCode string `yaml:"country_code"`
	State       string `yaml:"state"`
	City        string `yaml:"city"`

	// city_api / news_api
	APIURL string            `yaml:"api_url"`
	Params map[string]string `yaml:"params"` // "{start_date}" is replaced with the window start

	// ResponsePath walks into the payload to find the record array
	// (e.g. "result.records" for CKAN, "features" for ArcGIS).
	ResponsePath string `yaml:"response_path"`
	// AttributesKey unwraps per-record nesting (ArcGIS "attributes").
	AttributesKey string `yaml:"attributes_key"`

	// FieldMap translates canonical field names to source field paths
	// (dot notation for nested values).
	FieldMap map[string]string `yaml:"field_map"`

	// CategoryMap translates the source's structured crime category to a
	// canonical type; unmapped values fall through to keyword rules.
	CategoryMap map[string]string `yaml:"category_map"`

	// rss
	FeedURL string `yaml:"feed_url"`

	// news_api search queries
	Queries []string `yaml:"queries"`
}

// FetchConfig carries the shared HTTP/retry knobs for all scrapers.
type FetchConfig struct {
	Concurrency int           `yaml:"concurrency"` // worker pool size
	MaxRetries  int           `yaml:"max_retries"`
	Backoff     time.Duration `yaml:"backoff"`     // initial backoff
	MaxBackoff  time.Duration `yaml:"max_backoff"` // cap
	Timeout     time.Duration `yaml:"timeout"`     // per-request
	PageLimit   int           `yaml:"page_limit"`  // records per page
	MaxRecords  int           `yaml:"max_records"` // per-source safety cap
	UserAgent   string        `yaml:"user_agent"`
	NewsAPIKey  string        `yaml:"news_api_key"` // usually set via NEWS_API_KEY
}

// UnmarshalYAML parses the duration knobs from the usual "500ms"/"8s"
// notation, which yaml.v3 does not do for time.Duration on its own.
func (f *FetchConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawFetch struct {
		Concurrency int    `yaml:"concurrency"`
		MaxRetries  int    `yaml:"max_retries"`
		Backoff     string `yaml:"backoff"`
		MaxBackoff  string `yaml:"max_backoff"`
		Timeout     string `yaml:"timeout"`
		PageLimit   int    `yaml:"page_limit"`
		MaxRecords  int    `yaml:"max_records"`
		UserAgent   string `yaml:"user_agent"`
		NewsAPIKey  string `yaml:"news_api_key"`
	}
	var r rawFetch
	if err := value.Decode(&r); err != nil {
		return err
	}

	parse := func(name, s string) (time.Duration, error) {
		if s == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("fetch.%s: %w", name, err)
		}
		return d, nil
	}

	var err error
	if f.Backoff, err = parse("backoff", r.Backoff); err != nil {
		return err
	}
	if f.MaxBackoff, err = parse("max_backoff", r.MaxBackoff); err != nil {
		return err
	}
	if f.Timeout, err = parse("timeout", r.Timeout); err != nil {
		return err
	}

	f.Concurrency = r.Concurrency
	f.MaxRetries = r.MaxRetries
	f.PageLimit = r.PageLimit
	f.MaxRecords = r.MaxRecords
	f.UserAgent = r.UserAgent
	f.NewsAPIKey = r.NewsAPIKey
	return nil
}

// TypeRule assigns a canonical type when any of its keywords appears in
// the incident text. Rules are evaluated in order, first match wins, so
// the list must be most-specific-first.
type TypeRule struct {
	Type     string   `yaml:"type"`
	Keywords []string `yaml:"keywords"`
}

// CityLocation resolves a city name found in news text to its region.
type CityLocation struct {
	StateProvince string `yaml:"state"`
	Country       string `yaml:"country"`
	CountryCode   string `yaml:"country_code"`
}

// ClassifierConfig holds the rule tables the classifier interprets.
// These are data, not code: deployments tune them without rebuilding.
type ClassifierConfig struct {
	TypeRules []TypeRule `yaml:"type_rules"`

	// Severity modifier keyword lists (+1 each, result clamped to 1..5).
	WeaponTerms      []string `yaml:"weapon_terms"`
	ViolenceTerms    []string `yaml:"violence_terms"`
	CoordinatedTerms []string `yaml:"coordinated_terms"`

	// Retailer names/aliases detected in text.
	Retailers []string `yaml:"retailers"`

	// Relevance filter for news/RSS items; items matching none are dropped.
	RelevanceKeywords []string `yaml:"relevance_keywords"`

	// Location extraction tables for free-text sources.
	Cities map[string]CityLocation `yaml:"cities"`
	States map[string]string       `yaml:"states"` // state name -> code (US)
}

// DedupConfig tunes the fuzzy description fingerprint.
type DedupConfig struct {
	// FingerprintTokens is how many leading normalized description tokens
	// feed the dedup key. Lower values merge more aggressively.
	FingerprintTokens int `yaml:"fingerprint_tokens"`
}

type APIConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"` // usually set via RETAILWATCH_API_TOKEN
}

type Config struct {
	Sources    []SourceConfig   `yaml:"sources"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Dedup      DedupConfig      `yaml:"dedup"`
	API        APIConfig        `yaml:"api"`
}

// Load reads and validates a YAML config file. Secrets may be supplied or
// overridden through the environment.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Fetch.Concurrency <= 0 {
		c.Fetch.Concurrency = 4
	}
	if c.Fetch.MaxRetries <= 0 {
		c.Fetch.MaxRetries = 3
	}
	if c.Fetch.Backoff <= 0 {
		c.Fetch.Backoff = 500 * time.Millisecond
	}
	if c.Fetch.MaxBackoff <= 0 {
		c.Fetch.MaxBackoff = 8 * time.Second
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.PageLimit <= 0 {
		c.Fetch.PageLimit = 1000
	}
	if c.Fetch.MaxRecords <= 0 {
		c.Fetch.MaxRecords = 5000
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "retailwatch/1.0"
	}
	if c.Dedup.FingerprintTokens <= 0 {
		c.Dedup.FingerprintTokens = 6
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NEWS_API_KEY"); v != "" {
		c.Fetch.NewsAPIKey = v
	}
	if v := os.Getenv("RETAILWATCH_API_TOKEN"); v != "" {
		c.API.Token = v
	}
}

// Validate fails fast on entries the pipeline could not use: a source
// without a name, without location context, or whose field map misses a
// mandatory canonical field would only surface as confusing per-record
// rejections later.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: no sources defined")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("config: source %d: missing id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: source %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if s.Name == "" {
			return fmt.Errorf("config: source %q: missing name", s.ID)
		}
		switch s.Kind {
		case models.KindCityAPI:
			if s.APIURL == "" {
				return fmt.Errorf("config: source %q: missing api_url", s.ID)
			}
			if s.Country == "" || s.City == "" {
				return fmt.Errorf("config: source %q: missing location context", s.ID)
			}
			if err := validateFieldMap(s.FieldMap); err != nil {
				return fmt.Errorf("config: source %q: %w", s.ID, err)
			}
		case models.KindRSS:
			if s.FeedURL == "" {
				return fmt.Errorf("config: source %q: missing feed_url", s.ID)
			}
		case models.KindNewsAPI:
			if s.APIURL == "" {
				return fmt.Errorf("config: source %q: missing api_url", s.ID)
			}
			if len(s.Queries) == 0 {
				return fmt.Errorf("config: source %q: missing queries", s.ID)
			}
		default:
			return fmt.Errorf("config: source %q: unknown kind %q", s.ID, s.Kind)
		}
	}
	return nil
}

func validateFieldMap(fm map[string]string) error {
	if len(fm) == 0 {
		return fmt.Errorf("missing field_map")
	}
	if fm["id"] == "" {
		return fmt.Errorf("field_map missing %q", "id")
	}
	if fm["date"] == "" {
		return fmt.Errorf("field_map missing %q", "date")
	}
	if fm["type"] == "" && fm["description"] == "" {
		return fmt.Errorf("field_map needs %q or %q", "type", "description")
	}
	return nil
}

// BySourceIDs returns the sources whose IDs are in filter, in config
// order. An empty filter selects everything.
func (c *Config) BySourceIDs(filter []string) []SourceConfig {
	if len(filter) == 0 {
		return c.Sources
	}
	want := make(map[string]bool, len(filter))
	for _, id := range filter {
		want[id] = true
	}
	out := make([]SourceConfig, 0, len(filter))
	for _, s := range c.Sources {
		if want[s.ID] {
			out = append(out, s)
		}
	}
	return out
}
