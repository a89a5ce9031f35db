package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database. DatabaseURL (the Supabase Postgres connection string) wins over the DB_* parts.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Supabase
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseServiceRoleKey string
	SupabaseJWTSecret      string

	// Redis config
	RedisEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// NATS realtime fan-out, disabled when empty
	NATSURL string

	// AWS Services
	AWSRegion        string
	SESFromEmail     string
	SNSRegion        string // AWS region for SNS (SMS)
	SQSRegion        string
	SQSEmailQueueURL string

	// Push gateway (Expo compatible)
	PushGatewayURL string
	PushTimeout    int // seconds

	// Webhooks
	LytexWebhookSecret string
	WebhookRateLimit   int // requests per minute per IP

	// WhatsApp Cloud API
	WhatsAppToken             string
	WhatsAppPhoneNumberID     string
	WhatsAppBusinessAccountID string
	WhatsAppAppSecret         string
	WhatsAppVerifyToken       string
	WhatsAppAPIVersion        string

	// Campaign scheduler
	CampaignPollInterval time.Duration

	// AI / OpenAI config
	AIEnabled    bool
	OpenAIAPIKey string
	OpenAIModel  string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables always take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "postgres",
		DBSSLMode: "disable",

		RedisEnabled: true,
		RedisHost:    "localhost",
		RedisPort:    6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@escola.local",

		PushGatewayURL: "https://exp.host/--/api/v2/push/send",
		PushTimeout:    10,

		WebhookRateLimit: 300,

		WhatsAppAPIVersion: "v19.0",

		CampaignPollInterval: time.Minute,

		OpenAIModel: "gpt-4o-mini",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	cfg.SupabaseURL = os.Getenv("SUPABASE_URL")
	cfg.SupabaseAnonKey = os.Getenv("SUPABASE_ANON_KEY")
	cfg.SupabaseServiceRoleKey = os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	cfg.SupabaseJWTSecret = os.Getenv("SUPABASE_JWT_SECRET")

	// Redis config
	if enabled := os.Getenv("REDIS_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_ENABLED: %w", err)
		}
		cfg.RedisEnabled = b
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	cfg.NATSURL = os.Getenv("NATS_URL")

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	cfg.SQSEmailQueueURL = os.Getenv("SQS_EMAIL_QUEUE_URL")

	if url := os.Getenv("PUSH_GATEWAY_URL"); url != "" {
		cfg.PushGatewayURL = url
	}

	if timeout := os.Getenv("PUSH_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_TIMEOUT: %w", err)
		}
		cfg.PushTimeout = t
	}

	cfg.LytexWebhookSecret = os.Getenv("LYTEX_WEBHOOK_SECRET")

	if limit := os.Getenv("WEBHOOK_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_RATE_LIMIT: %w", err)
		}
		cfg.WebhookRateLimit = l
	}

	// WhatsApp
	cfg.WhatsAppToken = os.Getenv("WHATSAPP_TOKEN")
	cfg.WhatsAppPhoneNumberID = os.Getenv("WHATSAPP_PHONE_NUMBER_ID")
	cfg.WhatsAppBusinessAccountID = os.Getenv("WHATSAPP_BUSINESS_ACCOUNT_ID")
	cfg.WhatsAppAppSecret = os.Getenv("WHATSAPP_APP_SECRET")
	cfg.WhatsAppVerifyToken = os.Getenv("WHATSAPP_VERIFY_TOKEN")
	if version := os.Getenv("WHATSAPP_API_VERSION"); version != "" {
		cfg.WhatsAppAPIVersion = version
	}

	if interval := os.Getenv("CAMPAIGN_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid CAMPAIGN_POLL_INTERVAL: %w", err)
		}
		cfg.CampaignPollInterval = d
	}

	// AI config
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAIAPIKey = key
		cfg.AIEnabled = true
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.OpenAIModel = model
	}

	return cfg, nil
}

// WhatsAppEnabled reports whether outbound WhatsApp delivery is configured.
func (c *Config) WhatsAppEnabled() bool {
	return c.WhatsAppToken != "" && c.WhatsAppPhoneNumberID != ""
}

// IsDevelopment reports whether the gateway runs on a developer machine,
// where unconfigured channels may log deliveries instead of sending them.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
