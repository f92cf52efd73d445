// Package config provides centralized configuration for the dailydigest server.
//
// Values come from built-in defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables (a .env.local file in the working
// directory is read first; real environment variables win over it).
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Channel types understood by the publish layer.
const (
	ChannelFile     = "file"
	ChannelGitHub   = "github"
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
)

// Config holds all server configuration values.
type Config struct {
	// Port is the HTTP server listen port.
	Port string `yaml:"port"`

	// DBPath is the path to the SQLite database file.
	DBPath string `yaml:"db_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string `yaml:"cors_origin"`

	// TriggerToken guards the POST routes when set.
	TriggerToken string `yaml:"trigger_token"`

	// Timezone decides which calendar day a task covers.
	Timezone string         `yaml:"timezone"`
	location *time.Location `yaml:"-"`

	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sources  SourcesConfig  `yaml:"sources"`
	Publish  PublishConfig  `yaml:"publish"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	// Provider selects which LLM backend to use: "openai", "claude", "gemini", "ollama".
	Provider string `yaml:"provider"`

	OpenAIKey      string `yaml:"openai_api_key"`
	OpenAIBaseURL  string `yaml:"openai_base_url"`
	OpenAIModel    string `yaml:"openai_model"`
	AnthropicKey   string `yaml:"anthropic_api_key"`
	AnthropicModel string `yaml:"anthropic_model"`
	GeminiKey      string `yaml:"gemini_api_key"`
	GeminiModel    string `yaml:"gemini_model"`
	OllamaURL      string `yaml:"ollama_url"`
	OllamaModel    string `yaml:"ollama_model"`

	// Language is the target language of translations and summaries.
	Language string `yaml:"language"`

	// HTTPTimeout is the timeout for outgoing HTTP requests (extract, LLM).
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// RequestInterval spaces model requests; zero disables pacing.
	RequestInterval time.Duration `yaml:"request_interval"`

	// MaxTextLength is the maximum number of runes to keep from extracted text.
	MaxTextLength int `yaml:"max_text_length"`
}

// PipelineConfig bounds the work of one invocation and of one task.
type PipelineConfig struct {
	BatchSize   int `yaml:"batch_size"`
	Concurrency int `yaml:"concurrency"`
	MaxRetries  int `yaml:"max_retries"`
	// StaleAfter is how long a claim is honoured before the item is reclaimable.
	StaleAfter time.Duration `yaml:"stale_after"`
	// TaskTimeout is the age after which an unfinished task is reported stuck.
	TaskTimeout      time.Duration `yaml:"task_timeout"`
	InvocationBudget time.Duration `yaml:"invocation_budget"`
	// MaxCallsPerInvocation caps outbound calls per step; zero is unlimited.
	MaxCallsPerInvocation int `yaml:"max_calls_per_invocation"`
	// Interval is the timer trigger period.
	Interval time.Duration `yaml:"interval"`
}

// SourcesConfig lists where the daily items come from.
type SourcesConfig struct {
	// Limit caps the number of items per day across all sources.
	Limit      int              `yaml:"limit"`
	HackerNews HackerNewsConfig `yaml:"hackernews"`
	Feeds      []FeedConfig     `yaml:"feeds"`
	// Stub replaces every source with generated items.
	Stub bool `yaml:"stub"`
}

// HackerNewsConfig configures the front page source.
type HackerNewsConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// FeedConfig is one RSS/Atom feed.
type FeedConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// PublishConfig lists the output channels.
type PublishConfig struct {
	// Primary names the channel whose success marks the task published.
	// Defaults to the first channel.
	Primary     string          `yaml:"primary"`
	TitleFormat string          `yaml:"title_format"`
	Channels    []ChannelConfig `yaml:"channels"`
}

// ChannelConfig describes one output channel. Which fields apply depends on Type.
type ChannelConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// file
	Dir string `yaml:"dir"`

	// github
	Repo       string `yaml:"repo"`
	Branch     string `yaml:"branch"`
	PathPrefix string `yaml:"path_prefix"`

	// github, telegram
	Token string `yaml:"token"`

	// telegram
	ChatID string `yaml:"chat_id"`

	// webhook
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	loadEnvFile(".env.local")

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyChannelShortcuts()

	if err := cfg.bindTimezone(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Port:       "8080",
		DBPath:     "dailydigest.db",
		LogLevel:   "info",
		LogFormat:  "text",
		CORSOrigin: "*",
		Timezone:   "UTC",
		LLM: LLMConfig{
			Provider:       "openai",
			OpenAIBaseURL:  "https://api.openai.com/v1",
			OpenAIModel:    "gpt-4o-mini",
			AnthropicModel: "claude-sonnet-4-20250514",
			GeminiModel:    "gemini-2.0-flash",
			OllamaURL:      "http://localhost:11434",
			OllamaModel:    "llama3",
			Language:       "Simplified Chinese",
			HTTPTimeout:    60 * time.Second,
			MaxTextLength:  15000,
		},
		Pipeline: PipelineConfig{
			BatchSize:             6,
			Concurrency:           5,
			MaxRetries:            3,
			StaleAfter:            15 * time.Minute,
			TaskTimeout:           24 * time.Hour,
			InvocationBudget:      4 * time.Minute,
			MaxCallsPerInvocation: 50,
			Interval:              10 * time.Minute,
		},
		Sources: SourcesConfig{
			Limit:      30,
			HackerNews: HackerNewsConfig{Enabled: true, BaseURL: "https://news.ycombinator.com"},
		},
	}
}

func (c *Config) applyEnv() {
	c.Port = envOr("PORT", c.Port)
	c.DBPath = envOr("DB_PATH", c.DBPath)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.CORSOrigin = envOr("CORS_ORIGIN", c.CORSOrigin)
	c.TriggerToken = envOr("TRIGGER_TOKEN", c.TriggerToken)
	c.Timezone = envOr("TIMEZONE", c.Timezone)

	l := &c.LLM
	l.Provider = envOr("LLM_PROVIDER", l.Provider)
	l.OpenAIKey = envOr("OPENAI_API_KEY", l.OpenAIKey)
	l.OpenAIBaseURL = envOr("OPENAI_BASE_URL", l.OpenAIBaseURL)
	l.OpenAIModel = envOr("OPENAI_MODEL", l.OpenAIModel)
	l.AnthropicKey = envOr("ANTHROPIC_API_KEY", l.AnthropicKey)
	l.AnthropicModel = envOr("ANTHROPIC_MODEL", l.AnthropicModel)
	l.GeminiKey = envOr("GEMINI_API_KEY", l.GeminiKey)
	l.GeminiModel = envOr("GEMINI_MODEL", l.GeminiModel)
	l.OllamaURL = envOr("OLLAMA_URL", l.OllamaURL)
	l.OllamaModel = envOr("OLLAMA_MODEL", l.OllamaModel)
	l.Language = envOr("SUMMARY_LANGUAGE", l.Language)
	l.HTTPTimeout = envDuration("HTTP_TIMEOUT", l.HTTPTimeout)
	l.RequestInterval = envDuration("LLM_REQUEST_INTERVAL", l.RequestInterval)
	l.MaxTextLength = envInt("MAX_TEXT_LENGTH", l.MaxTextLength)

	p := &c.Pipeline
	p.BatchSize = envInt("BATCH_SIZE", p.BatchSize)
	p.Concurrency = envInt("CONCURRENCY", p.Concurrency)
	p.MaxRetries = envInt("MAX_RETRIES", p.MaxRetries)
	p.StaleAfter = envDuration("STALE_AFTER", p.StaleAfter)
	p.TaskTimeout = envDuration("TASK_TIMEOUT", p.TaskTimeout)
	p.InvocationBudget = envDuration("INVOCATION_BUDGET", p.InvocationBudget)
	p.MaxCallsPerInvocation = envInt("MAX_CALLS_PER_INVOCATION", p.MaxCallsPerInvocation)
	p.Interval = envDuration("STEP_INTERVAL", p.Interval)

	s := &c.Sources
	s.Limit = envInt("SOURCE_LIMIT", s.Limit)
	s.HackerNews.Enabled = envBool("HN_ENABLED", s.HackerNews.Enabled)
	s.HackerNews.BaseURL = envOr("HN_BASE_URL", s.HackerNews.BaseURL)
	s.Stub = envBool("SOURCE_STUB", s.Stub)

	c.Publish.Primary = envOr("PUBLISH_PRIMARY", c.Publish.Primary)
	c.Publish.TitleFormat = envOr("TITLE_FORMAT", c.Publish.TitleFormat)
}

// applyChannelShortcuts adds channels declared through environment variables
// unless the file already declares a channel of the same name.
func (c *Config) applyChannelShortcuts() {
	add := func(ch ChannelConfig) {
		for _, existing := range c.Publish.Channels {
			if existing.Name == ch.Name {
				return
			}
		}
		c.Publish.Channels = append(c.Publish.Channels, ch)
	}

	if dir := os.Getenv("OUTPUT_DIR"); dir != "" {
		add(ChannelConfig{Name: ChannelFile, Type: ChannelFile, Dir: dir})
	}
	if token, repo := os.Getenv("GITHUB_TOKEN"), os.Getenv("GITHUB_REPO"); token != "" && repo != "" {
		add(ChannelConfig{
			Name: ChannelGitHub, Type: ChannelGitHub, Token: token, Repo: repo,
			Branch: os.Getenv("GITHUB_BRANCH"), PathPrefix: os.Getenv("GITHUB_PATH_PREFIX"),
		})
	}
	if token, chat := os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID"); token != "" && chat != "" {
		add(ChannelConfig{Name: ChannelTelegram, Type: ChannelTelegram, Token: token, ChatID: chat})
	}
	if u := os.Getenv("WEBHOOK_URL"); u != "" {
		add(ChannelConfig{Name: ChannelWebhook, Type: ChannelWebhook, URL: u, Secret: os.Getenv("WEBHOOK_SECRET")})
	}

	if len(c.Publish.Channels) == 0 {
		c.Publish.Channels = []ChannelConfig{{Name: ChannelFile, Type: ChannelFile, Dir: "digests"}}
	}
}

func (c *Config) bindTimezone() error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("config: unknown timezone %q: %w", c.Timezone, err)
	}
	c.location = loc
	return nil
}

// Location returns the configured timezone, UTC if unset.
func (c Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// UseStubs returns true when no LLM API key is configured for the selected provider.
func (c Config) UseStubs() bool {
	switch c.LLM.Provider {
	case "claude":
		return c.LLM.AnthropicKey == ""
	case "gemini":
		return c.LLM.GeminiKey == ""
	case "ollama":
		return false // Ollama runs locally, no key needed
	default:
		return c.LLM.OpenAIKey == ""
	}
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	p := c.Pipeline
	if p.BatchSize <= 0 {
		errs = append(errs, errors.New("pipeline.batch_size must be positive"))
	}
	if p.Concurrency <= 0 {
		errs = append(errs, errors.New("pipeline.concurrency must be positive"))
	}
	if p.MaxRetries <= 0 {
		errs = append(errs, errors.New("pipeline.max_retries must be positive"))
	}
	if p.MaxCallsPerInvocation < 0 {
		errs = append(errs, errors.New("pipeline.max_calls_per_invocation must not be negative"))
	}
	if p.InvocationBudget <= 0 || p.Interval <= 0 || p.TaskTimeout <= 0 {
		errs = append(errs, errors.New("pipeline durations must be positive"))
	}
	// A claim must outlive the invocation holding it.
	if p.StaleAfter <= p.InvocationBudget {
		errs = append(errs, fmt.Errorf("pipeline.stale_after (%s) must exceed invocation_budget (%s)", p.StaleAfter, p.InvocationBudget))
	}

	switch c.LLM.Provider {
	case "openai", "claude", "gemini", "ollama":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}

	if !c.Sources.Stub && !c.Sources.HackerNews.Enabled && len(c.Sources.Feeds) == 0 {
		errs = append(errs, errors.New("no item source enabled"))
	}
	for i, f := range c.Sources.Feeds {
		if f.Name == "" || f.URL == "" {
			errs = append(errs, fmt.Errorf("sources.feeds[%d] needs name and url", i))
		}
	}

	names := make(map[string]bool)
	for i, ch := range c.Publish.Channels {
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("publish.channels[%d] has no name", i))
			continue
		}
		if names[ch.Name] {
			errs = append(errs, fmt.Errorf("publish channel %q declared twice", ch.Name))
		}
		names[ch.Name] = true
		if err := ch.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Publish.Primary != "" && !names[c.Publish.Primary] {
		errs = append(errs, fmt.Errorf("publish.primary %q is not a configured channel", c.Publish.Primary))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (ch ChannelConfig) validate() error {
	var missing string
	switch ch.Type {
	case ChannelFile:
		if ch.Dir == "" {
			missing = "dir"
		}
	case ChannelGitHub:
		if ch.Token == "" || ch.Repo == "" {
			missing = "token and repo"
		}
	case ChannelTelegram:
		if ch.Token == "" || ch.ChatID == "" {
			missing = "token and chat_id"
		}
	case ChannelWebhook:
		if ch.URL == "" {
			missing = "url"
		}
	default:
		return fmt.Errorf("publish channel %q: unknown type %q", ch.Name, ch.Type)
	}
	if missing != "" {
		return fmt.Errorf("publish channel %q (%s) needs %s", ch.Name, ch.Type, missing)
	}
	return nil
}

// loadEnvFile reads KEY=VALUE lines from path into the process environment.
// Variables that are already set are left alone. A missing file is ignored.
func loadEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.TrimSpace(val)
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		os.Setenv(key, val)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
