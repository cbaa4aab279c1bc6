package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort                 = "8080"
	defaultGeminiModel          = "gemini-1.5-flash"
	defaultNarrativeTimeout     = 20 * time.Second
	defaultNarrativeConcurrency = 4
	maxNarrativeConcurrency     = 8
	defaultCycleMaxCount        = 10000
	defaultCycleMaxDuration     = 10 * time.Second
)

// Settings is the process configuration resolved from the environment once at startup.
type Settings struct {
	Port  string
	GoEnv string

	GeminiAPIKey         string
	GeminiModel          string
	NarrativeTimeout     time.Duration
	NarrativeConcurrency int

	CycleMaxCount    int
	CycleMaxDuration time.Duration

	CORSAllowedOrigins []string

	RedisAddress string

	EventsTopic          string
	GCSBucket            string
	UploadArchiveEnabled bool

	SkipMigrations bool

	RateLimitEnabled bool
	RateLimitMax     int64
	RateLimitWindow  time.Duration
}

func init() {
	// Load env from .env
	godotenv.Load()
}

func LoadSettings() Settings {
	port := strings.TrimSpace(os.Getenv("API_PORT"))
	if port == "" {
		port = strings.TrimSpace(os.Getenv("PORT"))
	}
	if port == "" {
		port = defaultPort
	}

	model := strings.TrimSpace(os.Getenv("GEMINI_MODEL"))
	if model == "" {
		model = defaultGeminiModel
	}

	concurrency := intFromEnv("NARRATIVE_CONCURRENCY", defaultNarrativeConcurrency)
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > maxNarrativeConcurrency {
		concurrency = maxNarrativeConcurrency
	}

	timeout := time.Duration(intFromEnv("NARRATIVE_TIMEOUT_SECONDS", 0)) * time.Second
	if timeout <= 0 {
		timeout = defaultNarrativeTimeout
	}

	cycleMax := intFromEnv("CYCLE_MAX_COUNT", defaultCycleMaxCount)
	if cycleMax <= 0 {
		cycleMax = defaultCycleMaxCount
	}
	cycleDur := time.Duration(intFromEnv("CYCLE_MAX_SECONDS", 0)) * time.Second
	if cycleDur <= 0 {
		cycleDur = defaultCycleMaxDuration
	}

	return Settings{
		Port:                 port,
		GoEnv:                strings.TrimSpace(os.Getenv("GO_ENV")),
		GeminiAPIKey:         strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:          model,
		NarrativeTimeout:     timeout,
		NarrativeConcurrency: concurrency,
		CycleMaxCount:        cycleMax,
		CycleMaxDuration:     cycleDur,
		CORSAllowedOrigins:   SplitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RedisAddress:         strings.TrimSpace(os.Getenv("REDIS_ADDRESS")),
		EventsTopic:          strings.TrimSpace(os.Getenv("RECON_EVENTS_TOPIC")),
		GCSBucket:            strings.TrimSpace(os.Getenv("GCS_BUCKET")),
		UploadArchiveEnabled: boolFromEnv("UPLOAD_ARCHIVE_ENABLED", false),
		SkipMigrations:       boolFromEnv("SKIP_MIGRATIONS", false),
		RateLimitEnabled:     boolFromEnv("RATE_LIMIT_ENABLED", false),
		RateLimitMax:         int64(intFromEnv("RATE_LIMIT_MAX_REQUESTS", 600)),
		RateLimitWindow:      time.Duration(intFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
	}
}

func (s Settings) IsProduction() bool {
	return strings.EqualFold(s.GoEnv, "production")
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func SplitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func backoff(attempt int) time.Duration {
	sleep := time.Second * time.Duration(1<<min(attempt, 5))
	if sleep > 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}
