package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment value constants to avoid magic strings
const envValueTrue = "true"

// ServerConfig holds all server configuration
type ServerConfig struct {
	// Server settings
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"` // 0 keeps streams open
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// Rate Limiting
	RateLimitEnabled      bool   `json:"rate_limit_enabled"`
	RateLimitReqPerSec    int    `json:"rate_limit_rps"`
	RateLimitBurst        int    `json:"rate_limit_burst"`
	RedisURL              string `json:"-"`
	RedisPassword         string `json:"-"`
	RedisDB               int    `json:"redis_db"`
	RedisRateLimitEnabled bool   `json:"redis_rate_limit_enabled"`

	// Request settings
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	MaxImageBytes      int64 `json:"max_image_bytes"`

	// Generation
	MaxSteps          int           `json:"max_steps"`
	StepDelay         time.Duration `json:"step_delay"`
	KeepAliveInterval time.Duration `json:"keep_alive_interval"`
	EventBuffer       int           `json:"event_buffer"`
	SendCaption       bool          `json:"send_caption"`

	// Model settings
	ModelRepo     string  `json:"model_repo"`
	ModelRevision string  `json:"model_revision"`
	TokenizerRepo string  `json:"tokenizer_repo"`
	ModelPath     string  `json:"model_path"` // directory with config.json and model.safetensors
	TokenizerPath string  `json:"tokenizer_path"`
	HubEndpoint   string  `json:"hub_endpoint"`
	HubToken      string  `json:"-"`
	CacheDir      string  `json:"cache_dir"`
	Offline       bool    `json:"offline"`
	Seed          int64   `json:"seed"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	Threads       int     `json:"threads"`

	// Static frontend
	AssetsDir string `json:"assets_dir"`

	// CORS
	CORSEnabled        bool     `json:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins"`

	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "json" or "text"
}

// DefaultConfig returns config with sensible defaults for production
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Port:            3000,
		Host:            "0.0.0.0",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,

		RateLimitEnabled:   false,
		RateLimitReqPerSec: 5,
		RateLimitBurst:     10,

		MaxRequestBodySize: 10 << 20,
		MaxImageBytes:      8 << 20,

		MaxSteps:          1000,
		StepDelay:         time.Millisecond,
		KeepAliveInterval: 2 * time.Second,
		EventBuffer:       100,

		ModelRepo:     "microsoft/trocr-base-handwritten",
		ModelRevision: "refs/pr/3",
		TokenizerRepo: "ToluClassics/candle-trocr-tokenizer",
		HubEndpoint:   "https://huggingface.co",
		Seed:          1337,
		Threads:       0, // Auto-detect

		AssetsDir: "app/dist",

		CORSEnabled:        true,
		CORSAllowedOrigins: []string{"*"},

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*ServerConfig, error) {
	cfg := DefaultConfig()
	var errs []string

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.ToLower(v) == envValueTrue || v == "1"
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	size := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
				return
			}
			*dst = d
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: not a number", key, v))
				return
			}
			*dst = f
		}
	}

	// Server
	integer("PORT", &cfg.Port)
	str("HOST", &cfg.Host)
	duration("READ_TIMEOUT", &cfg.ReadTimeout)
	duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	duration("IDLE_TIMEOUT", &cfg.IdleTimeout)
	duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	// Rate Limiting
	boolean("RATE_LIMIT_ENABLED", &cfg.RateLimitEnabled)
	integer("RATE_LIMIT_RPS", &cfg.RateLimitReqPerSec)
	integer("RATE_LIMIT_BURST", &cfg.RateLimitBurst)
	str("REDIS_URL", &cfg.RedisURL)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	integer("REDIS_DB", &cfg.RedisDB)
	boolean("REDIS_RATELIMIT_ENABLED", &cfg.RedisRateLimitEnabled)

	// Requests
	size("MAX_REQUEST_BODY_SIZE", &cfg.MaxRequestBodySize)
	size("MAX_IMAGE_BYTES", &cfg.MaxImageBytes)

	// Generation
	integer("MAX_STEPS", &cfg.MaxSteps)
	duration("STEP_DELAY", &cfg.StepDelay)
	duration("KEEP_ALIVE_INTERVAL", &cfg.KeepAliveInterval)
	integer("EVENT_BUFFER", &cfg.EventBuffer)
	boolean("SEND_CAPTION", &cfg.SendCaption)

	// Model
	str("MODEL_REPO", &cfg.ModelRepo)
	str("MODEL_REVISION", &cfg.ModelRevision)
	str("TOKENIZER_REPO", &cfg.TokenizerRepo)
	str("MODEL_PATH", &cfg.ModelPath)
	str("TOKENIZER_PATH", &cfg.TokenizerPath)
	str("HUB_ENDPOINT", &cfg.HubEndpoint)
	str("HF_TOKEN", &cfg.HubToken)
	str("CACHE_DIR", &cfg.CacheDir)
	boolean("HUB_OFFLINE", &cfg.Offline)
	integer("THREADS", &cfg.Threads)
	float("TEMPERATURE", &cfg.Temperature)
	float("TOP_P", &cfg.TopP)
	if v := os.Getenv("SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("SEED=%q: not an integer", v))
		} else {
			cfg.Seed = seed
		}
	}

	str("ASSETS_DIR", &cfg.AssetsDir)

	// CORS
	boolean("CORS_ENABLED", &cfg.CORSEnabled)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = strings.Split(v, ",")
	}

	// Logging
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Validate checks that the configuration is valid
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Threads < 0 {
		return fmt.Errorf("invalid threads: %d", c.Threads)
	}
	if c.RateLimitEnabled && (c.RateLimitReqPerSec <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("invalid rate limit: %d/s burst %d", c.RateLimitReqPerSec, c.RateLimitBurst)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("invalid max steps: %d", c.MaxSteps)
	}
	if c.StepDelay < 0 {
		return fmt.Errorf("invalid step delay: %v", c.StepDelay)
	}
	if c.KeepAliveInterval <= 0 {
		return fmt.Errorf("invalid keep-alive interval: %v", c.KeepAliveInterval)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("invalid event buffer: %d", c.EventBuffer)
	}
	if c.MaxImageBytes <= 0 || c.MaxRequestBodySize < c.MaxImageBytes {
		return fmt.Errorf("invalid size limits: image %d, body %d", c.MaxImageBytes, c.MaxRequestBodySize)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("invalid top_p: %v", c.TopP)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %q", c.LogFormat)
	}
	return nil
}

// Address returns the server address string
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a human-readable config summary
func (c *ServerConfig) String() string {
	return fmt.Sprintf(
		"Config{addr=%s, model=%s, threads=%d, max_steps=%d, rate_limit=%v(%d/s)}",
		c.Address(), c.ModelRepo, c.Threads, c.MaxSteps, c.RateLimitEnabled, c.RateLimitReqPerSec,
	)
}
