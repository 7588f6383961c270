// Package config loads and validates the service configuration from the
// environment and an optional .env file, with static flags optionally
// fetched once from LaunchDarkly.
package config

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"

	"github.com/poofware/login-guard-service/internal/models"
	"github.com/poofware/login-guard-service/internal/utils"
)

// RateLimit is the quota for one guarded action.
type RateLimit struct {
	MaxAttempts int
	Window      time.Duration
}

// Config holds all application configuration, including secrets, flags, etc.
type Config struct {
	AppName   string `validate:"required"`
	AppPort   string `validate:"required,numeric"`
	AppUrl    string `validate:"required,url"`
	VerifyURL string `validate:"required,url"`
	DBUrl     string
	// AutoMigrate applies the embedded migrations at startup.
	AutoMigrate bool

	LogLevel  string
	LogFormat string `validate:"omitempty,oneof=text json"`

	SessionTTL  time.Duration
	RateLimits  map[models.RateLimitAction]RateLimit
	PollEvery   time.Duration
	MaxPolls    int
	ReceiptTTL  time.Duration
	CleanupCron string `validate:"required"`

	StrictIPBinding   bool
	IPAllowList       []string `validate:"dive,ip"`
	TrustProxyHeaders bool

	RequestRatePerSecond float64
	RequestBurst         int

	RSAPrivateKey *rsa.PrivateKey
	RSAPublicKey  *rsa.PublicKey

	CORSHighSecurity bool

	LDSDKKey      string
	LDContextKey  string
	LDContextKind string
}

// Constants for configuration defaults.
const (
	DefaultAppName              = "login-guard-service"
	DefaultSessionTTL           = 15 * time.Minute
	DefaultPollInterval         = 2 * time.Second
	DefaultMaxPolls             = 150
	DefaultReceiptTTL           = 2 * time.Minute
	DefaultCleanupCron          = "*/10 * * * *"
	DefaultRequestRatePerSecond = 5
	DefaultRequestBurst         = 20
	LDConnectionTimeout         = 5 * time.Second
	ephemeralRSAKeyBits         = 2048
)

var configValidate = validator.New()

// LoadConfig reads .env (if present), then builds and validates Config from the
// environment via Viper. Env vars override .env.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine

	v.AutomaticEnv()
	setDefaults(v)

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}

	if cfg.LDSDKKey != "" {
		if err := applyLaunchDarklyFlags(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", DefaultAppName)
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("APP_URL", "http://localhost:8080")
	v.SetDefault("VERIFY_URL", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("AUTO_MIGRATE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("SESSION_TTL", DefaultSessionTTL.String())
	v.SetDefault("SESSION_CREATION_MAX_ATTEMPTS", 10)
	v.SetDefault("SESSION_CREATION_WINDOW_MINUTES", 15)
	v.SetDefault("MOBILE_CHALLENGE_MAX_ATTEMPTS", 5)
	v.SetDefault("MOBILE_CHALLENGE_WINDOW_MINUTES", 15)
	v.SetDefault("WRONG_ANSWER_MAX_ATTEMPTS", 3)
	v.SetDefault("WRONG_ANSWER_WINDOW_MINUTES", 15)
	v.SetDefault("STRICT_IP_BINDING", false)
	v.SetDefault("IP_ALLOW_LIST", "")
	v.SetDefault("TRUST_PROXY_HEADERS", false)
	v.SetDefault("REQUEST_RATE_PER_SECOND", DefaultRequestRatePerSecond)
	v.SetDefault("REQUEST_BURST", DefaultRequestBurst)
	v.SetDefault("RECEIPT_TTL", DefaultReceiptTTL.String())
	v.SetDefault("RSA_PRIVATE_KEY_BASE64", "")
	v.SetDefault("RSA_PUBLIC_KEY_BASE64", "")
	v.SetDefault("CLEANUP_SCHEDULE", DefaultCleanupCron)
	v.SetDefault("CORS_HIGH_SECURITY", false)
	v.SetDefault("LD_SDK_KEY", "")
	v.SetDefault("LD_CONTEXT_KEY", DefaultAppName)
	v.SetDefault("LD_CONTEXT_KIND", "service")
}

func fromViper(v *viper.Viper) (*Config, error) {
	sessionTTL, err := parsePositiveDuration(v.GetString("SESSION_TTL"), "SESSION_TTL")
	if err != nil {
		return nil, err
	}
	receiptTTL, err := parsePositiveDuration(v.GetString("RECEIPT_TTL"), "RECEIPT_TTL")
	if err != nil {
		return nil, err
	}

	appURL := strings.TrimRight(v.GetString("APP_URL"), "/")
	verifyURL := v.GetString("VERIFY_URL")
	if verifyURL == "" {
		verifyURL = appURL + "/verify"
	}

	cfg := &Config{
		AppName:     v.GetString("APP_NAME"),
		AppPort:     v.GetString("APP_PORT"),
		AppUrl:      appURL,
		VerifyURL:   verifyURL,
		DBUrl:       v.GetString("DATABASE_URL"),
		AutoMigrate: v.GetBool("AUTO_MIGRATE"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:   strings.ToLower(v.GetString("LOG_FORMAT")),
		SessionTTL:  sessionTTL,
		RateLimits: map[models.RateLimitAction]RateLimit{
			models.RateLimitActionSessionCreation: {
				MaxAttempts: v.GetInt("SESSION_CREATION_MAX_ATTEMPTS"),
				Window:      time.Duration(v.GetInt("SESSION_CREATION_WINDOW_MINUTES")) * time.Minute,
			},
			models.RateLimitActionMobileChallenge: {
				MaxAttempts: v.GetInt("MOBILE_CHALLENGE_MAX_ATTEMPTS"),
				Window:      time.Duration(v.GetInt("MOBILE_CHALLENGE_WINDOW_MINUTES")) * time.Minute,
			},
			models.RateLimitActionWrongAnswer: {
				MaxAttempts: v.GetInt("WRONG_ANSWER_MAX_ATTEMPTS"),
				Window:      time.Duration(v.GetInt("WRONG_ANSWER_WINDOW_MINUTES")) * time.Minute,
			},
		},
		PollEvery:            DefaultPollInterval,
		MaxPolls:             DefaultMaxPolls,
		ReceiptTTL:           receiptTTL,
		CleanupCron:          v.GetString("CLEANUP_SCHEDULE"),
		StrictIPBinding:      v.GetBool("STRICT_IP_BINDING"),
		IPAllowList:          splitList(v.GetString("IP_ALLOW_LIST")),
		TrustProxyHeaders:    v.GetBool("TRUST_PROXY_HEADERS"),
		RequestRatePerSecond: v.GetFloat64("REQUEST_RATE_PER_SECOND"),
		RequestBurst:         v.GetInt("REQUEST_BURST"),
		CORSHighSecurity:     v.GetBool("CORS_HIGH_SECURITY"),
		LDSDKKey:             v.GetString("LD_SDK_KEY"),
		LDContextKey:         v.GetString("LD_CONTEXT_KEY"),
		LDContextKind:        v.GetString("LD_CONTEXT_KIND"),
	}

	priv, pub, err := loadRSAKeys(v.GetString("RSA_PRIVATE_KEY_BASE64"), v.GetString("RSA_PUBLIC_KEY_BASE64"))
	if err != nil {
		return nil, err
	}
	cfg.RSAPrivateKey = priv
	cfg.RSAPublicKey = pub

	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: SESSION_TTL must be positive")
	}
	for _, action := range models.AllRateLimitActions {
		rl, ok := c.RateLimits[action]
		if !ok {
			return fmt.Errorf("config: missing rate limit for %s", action)
		}
		if rl.MaxAttempts < 1 {
			return fmt.Errorf("config: %s max attempts must be at least 1", action)
		}
		if rl.Window < time.Minute {
			return fmt.Errorf("config: %s window must be at least one minute", action)
		}
	}
	if c.RequestRatePerSecond <= 0 || c.RequestBurst < 1 {
		return errors.New("config: REQUEST_RATE_PER_SECOND and REQUEST_BURST must be positive")
	}
	if c.RSAPrivateKey == nil || c.RSAPublicKey == nil {
		return errors.New("config: receipt signing keys are not loaded")
	}
	return nil
}

// RateLimitFor returns the configured quota for action.
func (c *Config) RateLimitFor(action models.RateLimitAction) RateLimit {
	return c.RateLimits[action]
}

// loadRSAKeys parses base64-encoded PEM keys. With neither key set it
// generates an ephemeral pair, which means receipts do not survive a restart.
func loadRSAKeys(privateB64, publicB64 string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if privateB64 == "" && publicB64 == "" {
		utils.Logger.Warn("RSA_PRIVATE_KEY_BASE64 not set; generating an ephemeral receipt signing key")
		priv, err := rsa.GenerateKey(rand.Reader, ephemeralRSAKeyBits)
		if err != nil {
			return nil, nil, fmt.Errorf("config: generate rsa key: %w", err)
		}
		return priv, &priv.PublicKey, nil
	}

	privatePEM, err := base64.StdEncoding.DecodeString(privateB64)
	if err != nil {
		return nil, nil, fmt.Errorf("config: decode RSA_PRIVATE_KEY_BASE64: %w", err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return nil, nil, fmt.Errorf("config: parse rsa private key: %w", err)
	}
	if publicB64 == "" {
		return priv, &priv.PublicKey, nil
	}

	publicPEM, err := base64.StdEncoding.DecodeString(publicB64)
	if err != nil {
		return nil, nil, fmt.Errorf("config: decode RSA_PUBLIC_KEY_BASE64: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("config: parse rsa public key: %w", err)
	}
	return priv, pub, nil
}

func parsePositiveDuration(raw, key string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
