package profile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the main server.
type Profile struct {
	// Mode can be "prod" or "dev"
	Mode string
	// Addr is the binding address for the server
	Addr string
	// Port is the binding port for the server
	Port int
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// DSN points to where reelsmith stores its own data
	DSN string
	// Version is the current version of the server
	Version string

	// Generation backend configuration
	OpenAIBaseURL   string // REELSMITH_OPENAI_BASE_URL (default: https://api.openai.com/v1)
	OpenAIAPIKey    string // REELSMITH_OPENAI_API_KEY
	ChatModel       string // REELSMITH_CHAT_MODEL (default: gpt-4o-mini)
	VisionModel     string // REELSMITH_VISION_MODEL (default: gpt-4o)
	VideoAPIBaseURL string // REELSMITH_VIDEO_API_BASE_URL
	VideoAPIKey     string // REELSMITH_VIDEO_API_KEY

	// Pipeline configuration
	PollInterval       time.Duration // REELSMITH_POLL_INTERVAL_MS (default: 5000)
	PollTimeout        time.Duration // REELSMITH_POLL_TIMEOUT_MS (default: 600000)
	MaxRetryAttempts   int           // REELSMITH_MAX_RETRY_ATTEMPTS (default: 3)
	RetryBackoffBase   time.Duration // REELSMITH_RETRY_BACKOFF_BASE_MS (default: 1000)
	MaxConcurrentPolls int64         // REELSMITH_MAX_CONCURRENT_POLLS (default: 16)

	// Credit configuration
	VideoJobCreditCost int64 // REELSMITH_VIDEO_JOB_CREDIT_COST (default: 100)
	SignupGrant        int64 // REELSMITH_SIGNUP_GRANT (default: 520)

	// RequiredContextFields is the ordered list of product context fields
	// that must be filled before a script can be generated.
	RequiredContextFields []string // REELSMITH_REQUIRED_CONTEXT_FIELDS (comma-separated)
}

// DefaultRequiredContextFields is the default completeness set, in the
// order the conversation engine asks about them.
var DefaultRequiredContextFields = []string{
	"productName", "market", "ageGroup", "gender", "style", "sellingPoints",
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns the environment variable value or the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	ms := getEnvInt(key, defaultValue.Milliseconds())
	return time.Duration(ms) * time.Millisecond
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.Mode = getEnvOrDefault("REELSMITH_MODE", "dev")
	p.Addr = getEnvOrDefault("REELSMITH_ADDR", "")
	if port, err := strconv.Atoi(getEnvOrDefault("REELSMITH_PORT", "8230")); err == nil {
		p.Port = port
	}
	p.Driver = getEnvOrDefault("REELSMITH_DRIVER", "sqlite")
	p.DSN = getEnvOrDefault("REELSMITH_DSN", "")

	p.OpenAIBaseURL = getEnvOrDefault("REELSMITH_OPENAI_BASE_URL", "https://api.openai.com/v1")
	p.OpenAIAPIKey = os.Getenv("REELSMITH_OPENAI_API_KEY")
	p.ChatModel = getEnvOrDefault("REELSMITH_CHAT_MODEL", "gpt-4o-mini")
	p.VisionModel = getEnvOrDefault("REELSMITH_VISION_MODEL", "gpt-4o")
	p.VideoAPIBaseURL = getEnvOrDefault("REELSMITH_VIDEO_API_BASE_URL", "")
	p.VideoAPIKey = os.Getenv("REELSMITH_VIDEO_API_KEY")

	p.PollInterval = getEnvMillis("REELSMITH_POLL_INTERVAL_MS", 5*time.Second)
	p.PollTimeout = getEnvMillis("REELSMITH_POLL_TIMEOUT_MS", 10*time.Minute)
	p.MaxRetryAttempts = int(getEnvInt("REELSMITH_MAX_RETRY_ATTEMPTS", 3))
	p.RetryBackoffBase = getEnvMillis("REELSMITH_RETRY_BACKOFF_BASE_MS", time.Second)
	p.MaxConcurrentPolls = getEnvInt("REELSMITH_MAX_CONCURRENT_POLLS", 16)

	p.VideoJobCreditCost = getEnvInt("REELSMITH_VIDEO_JOB_CREDIT_COST", 100)
	p.SignupGrant = getEnvInt("REELSMITH_SIGNUP_GRANT", 520)

	if raw := os.Getenv("REELSMITH_REQUIRED_CONTEXT_FIELDS"); raw != "" {
		fields := make([]string, 0)
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
		if len(fields) > 0 {
			p.RequiredContextFields = fields
		}
	}
	if len(p.RequiredContextFields) == 0 {
		p.RequiredContextFields = append([]string(nil), DefaultRequiredContextFields...)
	}
}

// Validate checks that the profile is usable.
func (p *Profile) Validate() error {
	switch p.Driver {
	case "sqlite", "postgres":
	default:
		return errors.Errorf("unsupported driver %q: only 'sqlite' and 'postgres' are supported", p.Driver)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("DSN is required for the postgres driver")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}
	if p.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if p.PollTimeout <= p.PollInterval {
		return errors.New("poll timeout must exceed the poll interval")
	}
	if p.MaxRetryAttempts < 1 {
		return errors.New("max retry attempts must be at least 1")
	}
	if p.VideoJobCreditCost < 0 {
		return errors.New("video job credit cost cannot be negative")
	}
	return nil
}

// GetProfile loads and validates the profile from the environment.
func GetProfile(version string) (*Profile, error) {
	profile := &Profile{Version: version}
	profile.FromEnv()
	if profile.DSN == "" && profile.Driver == "sqlite" {
		profile.DSN = fmt.Sprintf("reelsmith_%s.db", profile.Mode)
	}
	if err := profile.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid profile")
	}
	return profile, nil
}
