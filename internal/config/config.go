// Package config handles environment- and file-based configuration loading.
// Precedence for every key is: environment variable > config file > default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all process-wide settings. Values are fixed for the lifetime
// of the process (not hot-updatable).
type Config struct {
	// Database
	DatabaseURL string
	DBPoolSize  int

	// Remote Client System API
	ClientAPIURL  string
	ClientAPIKey  string
	UploadTimeout time.Duration

	// Local control API
	ListenAddress   string
	APIPort         int
	APIToken        string
	APIMaxBodyBytes int

	// Cycle periods
	CollectionInterval   time.Duration
	UploadInterval       time.Duration
	SyncInterval         time.Duration
	ConnectivityInterval time.Duration

	// Optional cron-expression overrides. When set, the cron schedule wins
	// over the corresponding interval.
	CollectionSchedule string
	UploadSchedule     string
	SyncSchedule       string

	// BACnet
	BACnetConnectTimeout time.Duration
	BACnetReadTimeout    time.Duration
	BACnetPoolSize       int
	BACnetLocalAddress   string

	// Collection
	MaxConcurrentMeters  int
	CycleDeadline        time.Duration
	MinBatch             int
	BatchReductionFactor float64
	BatchGrowthWindow    int

	// Outbox
	InsertBatchSize  int
	PendingHighWater int

	// Upload
	UploadBatchSize int
	MaxRetries      int
	EdgeTriggerMin  int
	UploadDeadline  time.Duration

	// Supervisor
	ShutdownGrace time.Duration
}

// source resolves a key against the environment first, then the optional
// config file mapping.
type source struct {
	file map[string]string
}

func (s *source) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := s.file[key]
	return v, ok
}

// LoadConfig reads the optional YAML config file named by SYNCMCP_CONFIG_FILE,
// overlays environment variables, and returns a validated Config. Returns an
// error listing every invalid or missing value.
func LoadConfig() (*Config, error) {
	src := &source{}
	if path := os.Getenv("SYNCMCP_CONFIG_FILE"); path != "" {
		file, err := loadConfigFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}
	return loadFromSource(src)
}

func loadFromSource(src *source) (*Config, error) {
	cfg := &Config{}
	var errs []string

	// --- Database ---
	cfg.DatabaseURL = src.str("DATABASE_URL", "")
	cfg.DBPoolSize = src.intVal("DB_POOL_SIZE", 10, &errs)

	// --- Remote API ---
	cfg.ClientAPIURL = strings.TrimRight(strings.TrimSpace(src.str("CLIENT_API_URL", "")), "/")
	cfg.ClientAPIKey = src.str("CLIENT_API_KEY", "")
	cfg.UploadTimeout = src.seconds("UPLOAD_TIMEOUT_SECONDS", 30*time.Second, &errs)

	// --- Local control API ---
	cfg.ListenAddress = strings.TrimSpace(src.str("SYNCMCP_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.APIPort = src.intVal("SYNCMCP_API_PORT", 8790, &errs)
	cfg.APIToken = src.str("SYNCMCP_API_TOKEN", "")
	cfg.APIMaxBodyBytes = src.intVal("SYNCMCP_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Cycle periods ---
	cfg.CollectionInterval = src.seconds("COLLECTION_INTERVAL_SECONDS", 600*time.Second, &errs)
	cfg.UploadInterval = src.minutes("UPLOAD_INTERVAL_MINUTES", 15*time.Minute, &errs)
	cfg.SyncInterval = src.minutes("SYNC_INTERVAL_MINUTES", 45*time.Minute, &errs)
	cfg.ConnectivityInterval = src.seconds("CONNECTIVITY_INTERVAL_SECONDS", 60*time.Second, &errs)
	cfg.CollectionSchedule = src.str("COLLECTION_SCHEDULE", "")
	cfg.UploadSchedule = src.str("UPLOAD_SCHEDULE", "")
	cfg.SyncSchedule = src.str("SYNC_SCHEDULE", "")

	// --- BACnet ---
	cfg.BACnetConnectTimeout = src.millis("BACNET_CONNECT_TIMEOUT_MS", 5*time.Second, &errs)
	cfg.BACnetReadTimeout = src.millis("BACNET_READ_TIMEOUT_MS", 3*time.Second, &errs)
	cfg.BACnetPoolSize = src.intVal("BACNET_POOL_SIZE", 8, &errs)
	cfg.BACnetLocalAddress = src.str("BACNET_LOCAL_ADDRESS", "")

	// --- Collection ---
	cfg.MaxConcurrentMeters = src.intVal("MAX_CONCURRENT_METERS", 4, &errs)
	cfg.CycleDeadline = src.seconds("CYCLE_DEADLINE_SECONDS", 0, &errs)
	cfg.MinBatch = src.intVal("MIN_BATCH", 1, &errs)
	cfg.BatchReductionFactor = src.floatVal("BATCH_REDUCTION_FACTOR", 0.5, &errs)
	cfg.BatchGrowthWindow = src.intVal("BATCH_GROWTH_WINDOW", 10, &errs)

	// --- Outbox ---
	cfg.InsertBatchSize = src.intVal("INSERT_BATCH_SIZE", 100, &errs)
	cfg.PendingHighWater = src.intVal("PENDING_HIGH_WATER", 50000, &errs)

	// --- Upload ---
	cfg.UploadBatchSize = src.intVal("UPLOAD_BATCH_SIZE", 500, &errs)
	cfg.MaxRetries = src.intVal("MAX_RETRIES", 5, &errs)
	cfg.EdgeTriggerMin = src.intVal("EDGE_TRIGGER_MIN", 50, &errs)
	cfg.UploadDeadline = src.minutes("UPLOAD_DEADLINE_MINUTES", 10*time.Minute, &errs)

	// --- Supervisor ---
	cfg.ShutdownGrace = src.seconds("SHUTDOWN_GRACE_SECONDS", 30*time.Second, &errs)

	// Cycle deadline defaults to the next scheduled collection tick.
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = cfg.CollectionInterval
	}

	// --- Validation ---
	if cfg.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL must be defined")
	}
	if cfg.ClientAPIURL == "" {
		errs = append(errs, "CLIENT_API_URL must be defined")
	}
	if cfg.ClientAPIKey == "" {
		errs = append(errs, "CLIENT_API_KEY must be defined")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "SYNCMCP_LISTEN_ADDRESS must not be empty")
	}

	validatePort("SYNCMCP_API_PORT", cfg.APIPort, &errs)
	validatePositive("SYNCMCP_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("DB_POOL_SIZE", cfg.DBPoolSize, &errs)
	validatePositive("BACNET_POOL_SIZE", cfg.BACnetPoolSize, &errs)
	validatePositive("MAX_CONCURRENT_METERS", cfg.MaxConcurrentMeters, &errs)
	validatePositive("MIN_BATCH", cfg.MinBatch, &errs)
	validatePositive("BATCH_GROWTH_WINDOW", cfg.BatchGrowthWindow, &errs)
	validatePositive("INSERT_BATCH_SIZE", cfg.InsertBatchSize, &errs)
	validatePositive("PENDING_HIGH_WATER", cfg.PendingHighWater, &errs)
	validatePositive("UPLOAD_BATCH_SIZE", cfg.UploadBatchSize, &errs)
	validatePositive("MAX_RETRIES", cfg.MaxRetries, &errs)

	if cfg.EdgeTriggerMin < 0 {
		errs = append(errs, fmt.Sprintf("EDGE_TRIGGER_MIN: must be non-negative, got %d", cfg.EdgeTriggerMin))
	}
	if cfg.BatchReductionFactor <= 0 || cfg.BatchReductionFactor >= 1 {
		errs = append(errs, fmt.Sprintf("BATCH_REDUCTION_FACTOR: must be in (0, 1), got %g", cfg.BatchReductionFactor))
	}

	validatePositiveDuration("COLLECTION_INTERVAL_SECONDS", cfg.CollectionInterval, &errs)
	validatePositiveDuration("UPLOAD_INTERVAL_MINUTES", cfg.UploadInterval, &errs)
	validatePositiveDuration("SYNC_INTERVAL_MINUTES", cfg.SyncInterval, &errs)
	validatePositiveDuration("CONNECTIVITY_INTERVAL_SECONDS", cfg.ConnectivityInterval, &errs)
	validatePositiveDuration("BACNET_CONNECT_TIMEOUT_MS", cfg.BACnetConnectTimeout, &errs)
	validatePositiveDuration("BACNET_READ_TIMEOUT_MS", cfg.BACnetReadTimeout, &errs)
	validatePositiveDuration("UPLOAD_TIMEOUT_SECONDS", cfg.UploadTimeout, &errs)
	validatePositiveDuration("UPLOAD_DEADLINE_MINUTES", cfg.UploadDeadline, &errs)
	validatePositiveDuration("SHUTDOWN_GRACE_SECONDS", cfg.ShutdownGrace, &errs)

	validateSchedule("COLLECTION_SCHEDULE", cfg.CollectionSchedule, &errs)
	validateSchedule("UPLOAD_SCHEDULE", cfg.UploadSchedule, &errs)
	validateSchedule("SYNC_SCHEDULE", cfg.SyncSchedule, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// loadConfigFile parses a flat YAML mapping of config keys (same names as the
// environment variables) to values.
func loadConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// --- helpers ---

func (s *source) str(key, defaultVal string) string {
	if v, ok := s.lookup(key); ok {
		return v
	}
	return defaultVal
}

func (s *source) intVal(key string, defaultVal int, errs *[]string) int {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func (s *source) floatVal(key string, defaultVal float64, errs *[]string) float64 {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func (s *source) seconds(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	return s.scaled(key, defaultVal, time.Second, errs)
}

func (s *source) minutes(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	return s.scaled(key, defaultVal, time.Minute, errs)
}

func (s *source) millis(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	return s.scaled(key, defaultVal, time.Millisecond, errs)
}

func (s *source) scaled(key string, defaultVal, unit time.Duration, errs *[]string) time.Duration {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return time.Duration(n) * unit
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %v", name, value))
	}
}

func validateSchedule(name, expr string, errs *[]string) {
	if expr == "" {
		return
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid cron expression %q: %v", name, expr, err))
	}
}
