// Package config reads runtime settings from the environment. Call
// godotenv.Load before Load to pick up a local .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// WorkflowMode decides the entry state of new records.
type WorkflowMode string

const (
	// WorkflowAuto creates records in pending and starts the pipeline immediately.
	WorkflowAuto WorkflowMode = "auto"
	// WorkflowManual creates records in pending_download and waits for an
	// externally supplied audio file.
	WorkflowManual WorkflowMode = "manual"
)

type Config struct {
	Environment string
	Port        string
	CORSOrigins []string

	WorkflowMode WorkflowMode

	LocalDatabaseURL      string
	ProductionDatabaseURL string
	DBConnectTimeout      time.Duration

	OriginHeader    string
	ProductionCIDRs []string
	ProductionHosts []string

	ExtractorURL   string
	SharedAudioDir string
	PollInterval   time.Duration
	PollBudget     time.Duration

	WorkDir    string
	FFmpegPath string

	Provider          string
	UseMockTranscribe bool
	MockDelay         time.Duration

	WhisperServiceURL string

	VendorAURL         string
	VendorAAPIKey      string
	VendorAMaxBytes    int64
	VendorAMaxDuration time.Duration
	AWSRegion          string
	TempBucket         string
	TempPrefix         string

	VendorBURL      string
	VendorBAPIKey   string
	VendorBModel    string
	VendorBMaxBytes int64

	CompanionURL    string
	CompanionAPIKey string

	SweepInterval time.Duration
	Retention     time.Duration
}

// Load builds a Config from environment variables, applying defaults.
func Load() (Config, error) {
	var err error
	cfg := Config{
		Environment:           envOr("ENVIRONMENT", "local"),
		Port:                  envOr("PORT", "8080"),
		CORSOrigins:           envList("CORS_ORIGINS"),
		WorkflowMode:          WorkflowMode(strings.ToLower(envOr("WORKFLOW_MODE", string(WorkflowAuto)))),
		LocalDatabaseURL:      envOr("LOCAL_DATABASE_URL", "file:transcripts.db?_busy_timeout=5000"),
		ProductionDatabaseURL: os.Getenv("PRODUCTION_DATABASE_URL"),
		OriginHeader:          envOr("ORIGIN_HEADER", "X-Request-Origin"),
		ProductionCIDRs:       envList("PRODUCTION_CIDRS"),
		ProductionHosts:       envList("PRODUCTION_HOSTS"),
		ExtractorURL:          envOr("EXTRACTOR_URL", "http://localhost:3001"),
		SharedAudioDir:        os.Getenv("SHARED_AUDIO_DIR"),
		WorkDir:               envOr("WORK_DIR", filepath.Join(os.TempDir(), "lbt-transcripts")),
		FFmpegPath:            envOr("FFMPEG_PATH", "ffmpeg"),
		Provider:              strings.ToLower(envOr("TRANSCRIPTION_PROVIDER", "selfhosted")),
		UseMockTranscribe:     os.Getenv("USE_MOCK_TRANSCRIBE") == "true",
		WhisperServiceURL:     envOr("WHISPER_SERVICE_URL", "http://localhost:5000"),
		VendorAURL:            envOr("VENDOR_A_URL", "https://speech.googleapis.com"),
		VendorAAPIKey:         os.Getenv("VENDOR_A_API_KEY"),
		AWSRegion:             envOr("AWS_REGION", "us-east-1"),
		TempBucket:            os.Getenv("TEMP_AUDIO_BUCKET"),
		TempPrefix:            envOr("TEMP_AUDIO_PREFIX", "transcription-tmp"),
		VendorBURL:            envOr("VENDOR_B_URL", "https://api.openai.com/v1/audio/transcriptions"),
		VendorBAPIKey:         os.Getenv("VENDOR_B_API_KEY"),
		VendorBModel:          envOr("VENDOR_B_MODEL", "whisper-1"),
		CompanionURL:          os.Getenv("COMPANION_URL"),
		CompanionAPIKey:       os.Getenv("COMPANION_API_KEY"),
	}

	if cfg.DBConnectTimeout, err = envDuration("DB_CONNECT_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = envDuration("DOWNLOAD_POLL_INTERVAL", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PollBudget, err = envDuration("DOWNLOAD_POLL_BUDGET", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.MockDelay, err = envDuration("MOCK_TRANSCRIBE_DELAY", 500*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.VendorAMaxDuration, err = envDuration("VENDOR_A_MAX_DURATION", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("SWEEP_INTERVAL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.Retention, err = envDuration("RETENTION", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.VendorAMaxBytes, err = envInt64("VENDOR_A_MAX_BYTES", 10<<20); err != nil {
		return Config{}, err
	}
	if cfg.VendorBMaxBytes, err = envInt64("VENDOR_B_MAX_BYTES", 25<<20); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// Validate checks values that Load cannot default.
func (c Config) Validate() error {
	switch c.WorkflowMode {
	case WorkflowAuto, WorkflowManual:
	default:
		return fmt.Errorf("WORKFLOW_MODE must be %q or %q, got %q", WorkflowAuto, WorkflowManual, c.WorkflowMode)
	}
	if c.ProductionDatabaseURL == "" {
		return fmt.Errorf("PRODUCTION_DATABASE_URL not set")
	}
	if c.PollInterval <= 0 || c.PollBudget < c.PollInterval {
		return fmt.Errorf("download poll budget %s must be at least the interval %s", c.PollBudget, c.PollInterval)
	}
	return nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envList(k string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(k), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

func envInt64(k string, def int64) (int64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}
