package config

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSecret   string `mapstructure:"AUTH_SECRET"`
	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	OCRGatewayURL  string        `mapstructure:"OCR_GATEWAY_URL"`
	OCRTimeout     time.Duration `mapstructure:"OCR_TIMEOUT"`
	OCRMaxAttempts int           `mapstructure:"OCR_MAX_ATTEMPTS"`
	OCRBackoffBase time.Duration `mapstructure:"OCR_BACKOFF_BASE"`
	OCRRateLimit   float64       `mapstructure:"OCR_RATE_LIMIT"`
	OCRBurst       int           `mapstructure:"OCR_BURST"`

	ReviewThreshold       float64 `mapstructure:"REVIEW_THRESHOLD"`
	ReviewTypeThresholds  string  `mapstructure:"REVIEW_TYPE_THRESHOLDS"`
	MandatoryReviewAmount float64 `mapstructure:"MANDATORY_REVIEW_AMOUNT"`

	CacheStaleness    time.Duration `mapstructure:"CACHE_STALENESS"`
	CacheCleanup      time.Duration `mapstructure:"CACHE_CLEANUP"`
	LeaseTimeout      time.Duration `mapstructure:"LEASE_TIMEOUT"`
	IdempotencyWindow time.Duration `mapstructure:"IDEMPOTENCY_WINDOW"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	WebhookURLs   []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret string   `mapstructure:"WEBHOOK_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("OCR_TIMEOUT", "30s")
	v.SetDefault("OCR_MAX_ATTEMPTS", 3)
	v.SetDefault("OCR_BACKOFF_BASE", "500ms")
	v.SetDefault("OCR_RATE_LIMIT", 10)
	v.SetDefault("OCR_BURST", 20)
	v.SetDefault("REVIEW_THRESHOLD", 0.80)
	v.SetDefault("MANDATORY_REVIEW_AMOUNT", 0)
	v.SetDefault("CACHE_STALENESS", "5m")
	v.SetDefault("CACHE_CLEANUP", "10m")
	v.SetDefault("LEASE_TIMEOUT", "5s")
	v.SetDefault("IDEMPOTENCY_WINDOW", "1h")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("OCR_GATEWAY_URL")
	v.BindEnv("OCR_TIMEOUT")
	v.BindEnv("OCR_MAX_ATTEMPTS")
	v.BindEnv("OCR_BACKOFF_BASE")
	v.BindEnv("OCR_RATE_LIMIT")
	v.BindEnv("OCR_BURST")
	v.BindEnv("REVIEW_THRESHOLD")
	v.BindEnv("REVIEW_TYPE_THRESHOLDS")
	v.BindEnv("MANDATORY_REVIEW_AMOUNT")
	v.BindEnv("CACHE_STALENESS")
	v.BindEnv("CACHE_CLEANUP")
	v.BindEnv("LEASE_TIMEOUT")
	v.BindEnv("IDEMPOTENCY_WINDOW")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("WEBHOOK_URLS")
	v.BindEnv("WEBHOOK_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.WebhookURLs == nil {
		if urls := v.GetString("WEBHOOK_URLS"); urls != "" {
			cfg.WebhookURLs = strings.Split(urls, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_SECRET for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// TypeThresholds parses REVIEW_TYPE_THRESHOLDS, a comma-separated list of
// claim_type=threshold pairs, e.g. "pharmacy=0.90,dental=0.75".
func (c *Config) TypeThresholds() (map[string]float64, error) {
	out := map[string]float64{}
	if c.ReviewTypeThresholds == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.ReviewTypeThresholds, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("REVIEW_TYPE_THRESHOLDS: malformed pair %q", pair)
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("REVIEW_TYPE_THRESHOLDS: bad threshold in %q: %w", pair, err)
		}
		if f < 0 || f > 1 {
			return nil, fmt.Errorf("REVIEW_TYPE_THRESHOLDS: threshold out of range in %q", pair)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}

// Validate checks that the configuration is safe to run. In non-development
// modes AUTH_SECRET must be set so that real JWT authentication is enforced.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSecret == "" {
		return fmt.Errorf(
			"AUTH_SECRET must be set when ENV is %q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.ReviewThreshold < 0 || c.ReviewThreshold > 1 {
		return fmt.Errorf("REVIEW_THRESHOLD must be in [0,1], got %v", c.ReviewThreshold)
	}
	if _, err := c.TypeThresholds(); err != nil {
		return err
	}
	if c.MandatoryReviewAmount < 0 {
		return fmt.Errorf("MANDATORY_REVIEW_AMOUNT must not be negative")
	}
	if c.OCRMaxAttempts < 1 {
		return fmt.Errorf("OCR_MAX_ATTEMPTS must be at least 1")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	return nil
}
