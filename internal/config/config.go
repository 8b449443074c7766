package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/toricodesthings/quote-analysis-service/internal/inference"
	"github.com/toricodesthings/quote-analysis-service/internal/quality"
)

type Config struct {
	// Server
	Port string

	// Secrets
	InternalSharedSecret string

	// Limits
	MaxJSONBodyBytes int64
	MaxHeaderBytes   int

	// Concurrency
	MaxConcurrentRequests int64

	// Server timeouts
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// Request timeouts
	RunTimeout     time.Duration
	PreviewTimeout time.Duration

	// health
	HealthDegradeRatio float64

	// cors
	AllowedOrigins []string

	Inference   Inference
	Analysis    Call
	Extraction  Call
	Restructure Restructure
	Router      quality.Rules

	Log Log
}

type Inference struct {
	APIKey           string
	BaseURL          string
	Model            string
	FallbackModel    string
	Timeout          time.Duration
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	RPS              float64
	Burst            int
	MaxConcurrent    int64
	BreakerThreshold int
	BreakerReset     time.Duration
}

type Call struct {
	MaxTokens   int
	Temperature float64
}

type Restructure struct {
	Call
	MinRatio float64
}

type Log struct {
	Level  string
	Format string
	// Redact holds extra regexps scrubbed from log output.
	Redact []string
}

// envNames maps viper keys to the environment variables that override them.
var envNames = map[string]string{
	"port":                    "PORT",
	"internal_shared_secret":  "INTERNAL_SHARED_SECRET",
	"max_json_body_bytes":     "MAX_JSON_BODY_BYTES",
	"max_header_bytes":        "MAX_HEADER_BYTES",
	"max_concurrent_requests": "MAX_CONCURRENT_REQUESTS",
	"read_header_timeout":     "READ_HEADER_TIMEOUT",
	"read_timeout":            "READ_TIMEOUT",
	"write_timeout":           "WRITE_TIMEOUT",
	"idle_timeout":            "IDLE_TIMEOUT",
	"run_timeout":             "RUN_TIMEOUT",
	"preview_timeout":         "PREVIEW_TIMEOUT",
	"health_degrade_ratio":    "HEALTH_DEGRADE_RATIO",
	"allowed_origins":         "ALLOWED_ORIGINS",

	"inference.api_key":           "GROQ_API_KEY",
	"inference.base_url":          "INFERENCE_BASE_URL",
	"inference.model":             "INFERENCE_MODEL",
	"inference.fallback_model":    "INFERENCE_FALLBACK_MODEL",
	"inference.timeout":           "INFERENCE_TIMEOUT",
	"inference.max_attempts":      "INFERENCE_MAX_ATTEMPTS",
	"inference.base_backoff":      "INFERENCE_BASE_BACKOFF",
	"inference.max_backoff":       "INFERENCE_MAX_BACKOFF",
	"inference.rps":               "INFERENCE_RPS",
	"inference.burst":             "INFERENCE_BURST",
	"inference.max_concurrent":    "INFERENCE_MAX_CONCURRENT",
	"inference.breaker_threshold": "INFERENCE_BREAKER_THRESHOLD",
	"inference.breaker_reset":     "INFERENCE_BREAKER_RESET",

	"analysis.max_tokens":      "ANALYSIS_MAX_TOKENS",
	"analysis.temperature":     "ANALYSIS_TEMPERATURE",
	"extraction.max_tokens":    "EXTRACTION_MAX_TOKENS",
	"extraction.temperature":   "EXTRACTION_TEMPERATURE",
	"restructure.max_tokens":   "RESTRUCTURE_MAX_TOKENS",
	"restructure.temperature":  "RESTRUCTURE_TEMPERATURE",
	"restructure.min_ratio":    "RESTRUCTURE_MIN_RATIO",
	"router.marker":            "ROUTER_MARKER",
	"router.long_line_avg":     "ROUTER_LONG_LINE_AVG",
	"router.table_min_amounts": "ROUTER_TABLE_MIN_AMOUNTS",
	"router.short_line_avg":    "ROUTER_SHORT_LINE_AVG",
	"router.table_min_lines":   "ROUTER_TABLE_MIN_LINES",
	"router.snippet_max_len":   "ROUTER_SNIPPET_MAX_LEN",
	"router.snippet_min_amts":  "ROUTER_SNIPPET_MIN_AMOUNTS",
	"router.snippet_min_lines": "ROUTER_SNIPPET_MIN_LINES",

	"log.level":           "LOG_LEVEL",
	"log.format":          "LOG_FORMAT",
	"log.redact_patterns": "LOG_REDACT_PATTERNS",
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	rules := quality.DefaultRules()

	v.SetDefault("port", "8080")
	v.SetDefault("internal_shared_secret", "")
	v.SetDefault("max_json_body_bytes", 1<<20)
	v.SetDefault("max_header_bytes", 1<<20)
	v.SetDefault("max_concurrent_requests", 15)
	v.SetDefault("read_header_timeout", 10*time.Second)
	v.SetDefault("read_timeout", 30*time.Second)
	v.SetDefault("write_timeout", 180*time.Second)
	v.SetDefault("idle_timeout", 60*time.Second)
	v.SetDefault("run_timeout", 60*time.Second)
	v.SetDefault("preview_timeout", 5*time.Second)
	v.SetDefault("health_degrade_ratio", 0.9)
	v.SetDefault("allowed_origins", []string{})

	v.SetDefault("inference.base_url", inference.DefaultBaseURL)
	v.SetDefault("inference.model", inference.DefaultModel)
	v.SetDefault("inference.fallback_model", inference.DefaultFallbackModel)
	v.SetDefault("inference.timeout", 25*time.Second)
	v.SetDefault("inference.max_attempts", 3)
	v.SetDefault("inference.base_backoff", time.Second)
	v.SetDefault("inference.max_backoff", 10*time.Second)
	v.SetDefault("inference.rps", 0.0)
	v.SetDefault("inference.burst", 10)
	v.SetDefault("inference.max_concurrent", 8)
	v.SetDefault("inference.breaker_threshold", 5)
	v.SetDefault("inference.breaker_reset", 30*time.Second)

	v.SetDefault("analysis.max_tokens", 0)
	v.SetDefault("analysis.temperature", 0.0)
	v.SetDefault("extraction.max_tokens", 1500)
	v.SetDefault("extraction.temperature", 0.0)
	v.SetDefault("restructure.max_tokens", 3000)
	v.SetDefault("restructure.temperature", 0.0)
	v.SetDefault("restructure.min_ratio", 0.30)

	v.SetDefault("router.marker", rules.Marker)
	v.SetDefault("router.header_keywords", rules.HeaderKeywords)
	v.SetDefault("router.long_line_avg", rules.LongLineAvg)
	v.SetDefault("router.table_min_amounts", rules.TableMinAmounts)
	v.SetDefault("router.short_line_avg", rules.ShortLineAvg)
	v.SetDefault("router.table_min_lines", rules.TableMinLines)
	v.SetDefault("router.snippet_max_len", rules.SnippetMaxLen)
	v.SetDefault("router.snippet_min_amts", rules.SnippetMinAmounts)
	v.SetDefault("router.snippet_min_lines", rules.SnippetMinLines)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.redact_patterns", []string{})
}

// Load resolves configuration from v: defaults, then any config file
// already read into v, then environment variables, then bound flags.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	c := Config{
		Port:                  strings.TrimSpace(v.GetString("port")),
		InternalSharedSecret:  strings.TrimSpace(v.GetString("internal_shared_secret")),
		MaxJSONBodyBytes:      v.GetInt64("max_json_body_bytes"),
		MaxHeaderBytes:        v.GetInt("max_header_bytes"),
		MaxConcurrentRequests: v.GetInt64("max_concurrent_requests"),
		ReadHeaderTimeout:     v.GetDuration("read_header_timeout"),
		ReadTimeout:           v.GetDuration("read_timeout"),
		WriteTimeout:          v.GetDuration("write_timeout"),
		IdleTimeout:           v.GetDuration("idle_timeout"),
		RunTimeout:            v.GetDuration("run_timeout"),
		PreviewTimeout:        v.GetDuration("preview_timeout"),
		HealthDegradeRatio:    v.GetFloat64("health_degrade_ratio"),
		AllowedOrigins:        stringList(v, "allowed_origins"),

		Inference: Inference{
			APIKey:           strings.TrimSpace(v.GetString("inference.api_key")),
			BaseURL:          strings.TrimRight(strings.TrimSpace(v.GetString("inference.base_url")), "/"),
			Model:            strings.TrimSpace(v.GetString("inference.model")),
			FallbackModel:    strings.TrimSpace(v.GetString("inference.fallback_model")),
			Timeout:          v.GetDuration("inference.timeout"),
			MaxAttempts:      v.GetInt("inference.max_attempts"),
			BaseBackoff:      v.GetDuration("inference.base_backoff"),
			MaxBackoff:       v.GetDuration("inference.max_backoff"),
			RPS:              v.GetFloat64("inference.rps"),
			Burst:            v.GetInt("inference.burst"),
			MaxConcurrent:    v.GetInt64("inference.max_concurrent"),
			BreakerThreshold: v.GetInt("inference.breaker_threshold"),
			BreakerReset:     v.GetDuration("inference.breaker_reset"),
		},
		Analysis: Call{
			MaxTokens:   v.GetInt("analysis.max_tokens"),
			Temperature: v.GetFloat64("analysis.temperature"),
		},
		Extraction: Call{
			MaxTokens:   v.GetInt("extraction.max_tokens"),
			Temperature: v.GetFloat64("extraction.temperature"),
		},
		Restructure: Restructure{
			Call: Call{
				MaxTokens:   v.GetInt("restructure.max_tokens"),
				Temperature: v.GetFloat64("restructure.temperature"),
			},
			MinRatio: v.GetFloat64("restructure.min_ratio"),
		},
		Router: quality.Rules{
			Marker:            v.GetString("router.marker"),
			HeaderKeywords:    stringList(v, "router.header_keywords"),
			LongLineAvg:       v.GetFloat64("router.long_line_avg"),
			TableMinAmounts:   v.GetInt("router.table_min_amounts"),
			ShortLineAvg:      v.GetFloat64("router.short_line_avg"),
			TableMinLines:     v.GetInt("router.table_min_lines"),
			SnippetMaxLen:     v.GetInt("router.snippet_max_len"),
			SnippetMinAmounts: v.GetInt("router.snippet_min_amts"),
			SnippetMinLines:   v.GetInt("router.snippet_min_lines"),
		},
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Redact: stringList(v, "log.redact_patterns"),
		},
	}
	return c, c.check()
}

// check rejects values that would break the server or the router, whatever
// the command.
func (c Config) check() error {
	switch {
	case c.MaxConcurrentRequests <= 0:
		return fmt.Errorf("MAX_CONCURRENT_REQUESTS must be positive")
	case c.MaxJSONBodyBytes <= 0:
		return fmt.Errorf("MAX_JSON_BODY_BYTES must be positive")
	case c.RunTimeout <= 0:
		return fmt.Errorf("RUN_TIMEOUT must be positive")
	case c.PreviewTimeout <= 0:
		return fmt.Errorf("PREVIEW_TIMEOUT must be positive")
	case c.Inference.MaxAttempts <= 0:
		return fmt.Errorf("INFERENCE_MAX_ATTEMPTS must be positive")
	case c.Inference.MaxConcurrent <= 0:
		return fmt.Errorf("INFERENCE_MAX_CONCURRENT must be positive")
	case c.Inference.RPS < 0:
		return fmt.Errorf("INFERENCE_RPS must not be negative")
	case c.Restructure.MinRatio <= 0 || c.Restructure.MinRatio > 1:
		return fmt.Errorf("RESTRUCTURE_MIN_RATIO must be in (0, 1]")
	case c.HealthDegradeRatio <= 0 || c.HealthDegradeRatio > 1:
		return fmt.Errorf("HEALTH_DEGRADE_RATIO must be in (0, 1]")
	case c.Router.LongLineAvg <= 0 || c.Router.ShortLineAvg <= 0 || c.Router.SnippetMaxLen <= 0:
		return fmt.Errorf("router thresholds must be positive")
	}
	for _, p := range c.Log.Redact {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("LOG_REDACT_PATTERNS: %w", err)
		}
	}
	return nil
}

// Validate enforces what the inference-calling commands need on top of Load.
func (c Config) Validate() error {
	if c.Inference.APIKey == "" {
		return fmt.Errorf("GROQ_API_KEY is required")
	}
	if c.InternalSharedSecret != "" && len(c.InternalSharedSecret) < 32 {
		return fmt.Errorf("INTERNAL_SHARED_SECRET must be at least 32 characters")
	}
	return nil
}

// InferenceConfig converts the inference group for inference.New.
func (c Config) InferenceConfig() inference.Config {
	i := c.Inference
	return inference.Config{
		BaseURL:          i.BaseURL,
		APIKey:           i.APIKey,
		Model:            i.Model,
		FallbackModel:    i.FallbackModel,
		Timeout:          i.Timeout,
		MaxAttempts:      i.MaxAttempts,
		BaseBackoff:      i.BaseBackoff,
		MaxBackoff:       i.MaxBackoff,
		RPS:              i.RPS,
		Burst:            i.Burst,
		MaxConcurrent:    i.MaxConcurrent,
		BreakerThreshold: i.BreakerThreshold,
		BreakerReset:     i.BreakerReset,
	}
}

// stringList accepts both YAML lists and comma-separated env values.
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	switch t := v.Get(key).(type) {
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []any:
		for _, e := range t {
			raw = append(raw, fmt.Sprint(e))
		}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
