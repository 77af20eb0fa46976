package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Voice provider credentials
	VoiceProvider    string
	PlivoAuthID      string
	PlivoAuthToken   string
	TwilioAccountSID string
	TwilioAuthToken  string

	// Dial governance
	GlobalMaxCalls        int
	DefaultMaxConcurrent  int
	MaxCallsPerMinute     int
	AdmissionTimeout      time.Duration
	AdmissionRetryDelay   time.Duration
	SubsequentCallWait    time.Duration
	StaleCallThreshold    time.Duration
	EstimatedCallDuration time.Duration

	// Campaign supervision
	HeartbeatInterval time.Duration
	OrphanThreshold   time.Duration
	ShutdownGrace     time.Duration
	SchedulerInterval time.Duration

	// Bot warmup
	WarmupDisabled bool
	WarmupTimeout  time.Duration
	WarmupRetries  int

	// Billing
	IncomingAggregationTime time.Duration

	// HTTP surface
	CORSAllowedOrigins   []string
	WebhookRatePerSecond float64
	WebhookBurst         int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		VoiceProvider:    strings.ToLower(strings.TrimSpace(getEnv("VOICE_PROVIDER", "auto"))),
		PlivoAuthID:      getEnv("PLIVO_AUTH_ID", ""),
		PlivoAuthToken:   getEnv("PLIVO_AUTH_TOKEN", ""),
		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),

		GlobalMaxCalls:        getEnvAsInt("GLOBAL_MAX_CALLS", 500),
		DefaultMaxConcurrent:  getEnvAsInt("DEFAULT_MAX_CONCURRENT_CALLS", 10),
		MaxCallsPerMinute:     getEnvAsInt("MAX_CALLS_PER_MINUTE", 60),
		AdmissionTimeout:      getEnvAsDuration("ADMISSION_TIMEOUT", 60*time.Second),
		AdmissionRetryDelay:   getEnvAsDuration("ADMISSION_RETRY_DELAY", 2*time.Second),
		SubsequentCallWait:    getEnvAsDuration("SUBSEQUENT_CALL_WAIT", time.Second),
		StaleCallThreshold:    getEnvAsDuration("STALE_CALL_THRESHOLD", 2*time.Hour),
		EstimatedCallDuration: getEnvAsDuration("ESTIMATED_CALL_DURATION", 30*time.Second),

		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		OrphanThreshold:   getEnvAsDuration("ORPHAN_THRESHOLD", 120*time.Second),
		ShutdownGrace:     getEnvAsDuration("SHUTDOWN_GRACE", 10*time.Second),
		SchedulerInterval: getEnvAsDuration("SCHEDULER_INTERVAL", 30*time.Second),

		WarmupDisabled: getEnvAsBool("WARMUP_DISABLED", false),
		WarmupTimeout:  getEnvAsDuration("BOT_WARMUP_TIMEOUT", 120*time.Second),
		WarmupRetries:  getEnvAsInt("BOT_WARMUP_RETRIES", 3),

		IncomingAggregationTime: getEnvAsDuration("INCOMING_AGGREGATION_TIME", time.Hour),

		CORSAllowedOrigins:   getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		WebhookRatePerSecond: getEnvAsFloat("WEBHOOK_RATE_PER_SECOND", 20),
		WebhookBurst:         getEnvAsInt("WEBHOOK_BURST", 40),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated environment variable, trimming
// whitespace and dropping empty entries.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
