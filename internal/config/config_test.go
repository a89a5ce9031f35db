package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any existing env vars
	for _, key := range []string{"PORT", "LOG_LEVEL", "ENV", "CAMPAIGN_POLL_INTERVAL", "OPENAI_API_KEY", "WEBHOOK_RATE_LIMIT"} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}

	if cfg.Env != "development" {
		t.Errorf("expected env 'development', got %s", cfg.Env)
	}

	if cfg.CampaignPollInterval != time.Minute {
		t.Errorf("expected poll interval 1m, got %s", cfg.CampaignPollInterval)
	}

	if cfg.AIEnabled {
		t.Error("expected AI disabled without OPENAI_API_KEY")
	}

	if cfg.WebhookRateLimit != 300 {
		t.Errorf("expected webhook rate limit 300, got %d", cfg.WebhookRateLimit)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENV", "production")
	t.Setenv("LYTEX_WEBHOOK_SECRET", "s3cr3t")
	t.Setenv("CAMPAIGN_POLL_INTERVAL", "30s")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("AWS_REGION", "sa-east-1")
	t.Setenv("SNS_REGION", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.LogLevel)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}

	if cfg.LytexWebhookSecret != "s3cr3t" {
		t.Errorf("expected webhook secret to be loaded, got %q", cfg.LytexWebhookSecret)
	}

	if cfg.CampaignPollInterval != 30*time.Second {
		t.Errorf("expected poll interval 30s, got %s", cfg.CampaignPollInterval)
	}

	if !cfg.AIEnabled {
		t.Error("expected AI enabled when OPENAI_API_KEY is set")
	}

	if cfg.SNSRegion != "sa-east-1" {
		t.Errorf("expected SNS region to fall back to AWS_REGION, got %s", cfg.SNSRegion)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}

func TestLoad_InvalidPollInterval(t *testing.T) {
	t.Setenv("CAMPAIGN_POLL_INTERVAL", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid CAMPAIGN_POLL_INTERVAL")
	}
}

func TestWhatsAppEnabled(t *testing.T) {
	cfg := &Config{}
	if cfg.WhatsAppEnabled() {
		t.Error("expected disabled without token")
	}

	cfg.WhatsAppToken = "token"
	cfg.WhatsAppPhoneNumberID = "123"
	if !cfg.WhatsAppEnabled() {
		t.Error("expected enabled with token and phone id")
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"staging", false},
		{"production", false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := &Config{Env: tt.env}
			if got := cfg.IsDevelopment(); got != tt.want {
				t.Errorf("IsDevelopment() = %v, want %v", got, tt.want)
			}
		})
	}
}
