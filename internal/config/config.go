package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	// External extraction services. Each endpoint is the base URL of the
	// service; an empty endpoint disables the corresponding engine.
	StructuredOCREndpoint string `mapstructure:"STRUCTURED_OCR_ENDPOINT"`
	StructuredOCRAPIKey   string `mapstructure:"STRUCTURED_OCR_API_KEY"`
	ImageOCREndpoint      string `mapstructure:"IMAGE_OCR_ENDPOINT"`
	ImageOCRAPIKey        string `mapstructure:"IMAGE_OCR_API_KEY"`
	NLPEndpoint           string `mapstructure:"NLP_ENDPOINT"`
	NLPAPIKey             string `mapstructure:"NLP_API_KEY"`
	TerminologyEndpoint   string `mapstructure:"TERMINOLOGY_ENDPOINT"`
	TerminologyAPIKey     string `mapstructure:"TERMINOLOGY_API_KEY"`
	LLMEndpoint           string `mapstructure:"LLM_ENDPOINT"`
	LLMAPIKey             string `mapstructure:"LLM_API_KEY"`
	LLMModel              string `mapstructure:"LLM_MODEL"`

	// Pipeline limits and retry policy.
	MaxUploadBytes        int64 `mapstructure:"MAX_UPLOAD_BYTES"`
	MaxPDFBytes           int64 `mapstructure:"MAX_PDF_BYTES"`
	ProcessTimeoutSeconds int   `mapstructure:"PROCESS_TIMEOUT_SECONDS"`
	MaxRetries            int   `mapstructure:"MAX_RETRIES"`
	LockTTLSeconds        int   `mapstructure:"LOCK_TTL_SECONDS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
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
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("MAX_UPLOAD_BYTES", 20*1024*1024)
	v.SetDefault("MAX_PDF_BYTES", 50*1024*1024)
	v.SetDefault("PROCESS_TIMEOUT_SECONDS", 90)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("LOCK_TTL_SECONDS", 120)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("STRUCTURED_OCR_ENDPOINT")
	v.BindEnv("STRUCTURED_OCR_API_KEY")
	v.BindEnv("IMAGE_OCR_ENDPOINT")
	v.BindEnv("IMAGE_OCR_API_KEY")
	v.BindEnv("NLP_ENDPOINT")
	v.BindEnv("NLP_API_KEY")
	v.BindEnv("TERMINOLOGY_ENDPOINT")
	v.BindEnv("TERMINOLOGY_API_KEY")
	v.BindEnv("LLM_ENDPOINT")
	v.BindEnv("LLM_API_KEY")
	v.BindEnv("LLM_MODEL")
	v.BindEnv("MAX_UPLOAD_BYTES")
	v.BindEnv("MAX_PDF_BYTES")
	v.BindEnv("PROCESS_TIMEOUT_SECONDS")
	v.BindEnv("MAX_RETRIES")
	v.BindEnv("LOCK_TTL_SECONDS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
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

// Validate checks that the configuration is safe to run. In production the
// LLM credentials must be present (the pipeline cannot produce structured
// records without them) and authentication must be configured.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER is required in production")
		}
		if c.LLMEndpoint == "" || c.LLMAPIKey == "" {
			return fmt.Errorf("LLM_ENDPOINT and LLM_API_KEY are required in production")
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.ProcessTimeoutSeconds <= 0 {
		return fmt.Errorf("PROCESS_TIMEOUT_SECONDS must be > 0, got %d", c.ProcessTimeoutSeconds)
	}
	if c.LockTTLSeconds <= 0 {
		return fmt.Errorf("LOCK_TTL_SECONDS must be > 0, got %d", c.LockTTLSeconds)
	}
	if c.MaxUploadBytes <= 0 || c.MaxPDFBytes <= 0 {
		return fmt.Errorf("upload size limits must be > 0")
	}
	return nil
}
