package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port != 3000 {
		t.Errorf("Expected port 3000, got %d", cfg.Port)
	}
	if cfg.MaxSteps != 1000 || cfg.EventBuffer != 100 || cfg.KeepAliveInterval != 2*time.Second {
		t.Errorf("Unexpected generation defaults: %+v", cfg)
	}
	if cfg.WriteTimeout != 0 {
		t.Error("Write timeout must be disabled for streaming responses")
	}
	if cfg.SendCaption {
		t.Error("SendCaption should default to false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("MAX_STEPS", "17")
	t.Setenv("STEP_DELAY", "0s")
	t.Setenv("SEND_CAPTION", "1")
	t.Setenv("CORS_ORIGINS", "http://a,http://b")
	t.Setenv("SEED", "99")
	t.Setenv("TOP_P", "0.9")
	t.Setenv("MODEL_PATH", "/models/trocr")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}
	if cfg.Port != 8081 || cfg.MaxSteps != 17 || cfg.StepDelay != 0 {
		t.Errorf("Env overrides not applied: %+v", cfg)
	}
	if !cfg.SendCaption || cfg.Seed != 99 || cfg.TopP != 0.9 {
		t.Errorf("Env overrides not applied: %+v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "http://b" {
		t.Errorf("Unexpected origins %v", cfg.CORSAllowedOrigins)
	}
	if cfg.ModelPath != "/models/trocr" {
		t.Errorf("Unexpected model path %q", cfg.ModelPath)
	}
}

func TestLoadFromEnv_Malformed(t *testing.T) {
	t.Setenv("PORT", "eighty")
	t.Setenv("STEP_DELAY", "fast")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("Expected error for malformed values")
	}
	for _, key := range []string{"PORT", "STEP_DELAY"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("Error should mention %s: %v", key, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ServerConfig)
	}{
		{"port", func(c *ServerConfig) { c.Port = 0 }},
		{"steps", func(c *ServerConfig) { c.MaxSteps = 0 }},
		{"delay", func(c *ServerConfig) { c.StepDelay = -time.Millisecond }},
		{"keep-alive", func(c *ServerConfig) { c.KeepAliveInterval = 0 }},
		{"buffer", func(c *ServerConfig) { c.EventBuffer = 0 }},
		{"sizes", func(c *ServerConfig) { c.MaxImageBytes = c.MaxRequestBodySize + 1 }},
		{"top_p", func(c *ServerConfig) { c.TopP = 1.5 }},
		{"log format", func(c *ServerConfig) { c.LogFormat = "xml" }},
		{"rate limit", func(c *ServerConfig) { c.RateLimitEnabled = true; c.RateLimitBurst = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
