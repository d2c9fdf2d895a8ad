// Package config loads forge configuration from an optional TOML file
// overlaid with FORGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBDriver         = DriverSQLite
	defaultDBPath           = "forge.db"
	defaultMaxAttempts      = 5
	defaultPollInterval     = 2 * time.Second
	defaultProgressInterval = 500 * time.Millisecond
	defaultStepLease        = 10 * time.Minute
	defaultSweepSchedule    = "@every 30s"
	defaultGateMinOutput    = 1
	defaultWorkers          = 4
	defaultOracleTimeout    = 60 * time.Second
	defaultOracleMaxTokens  = 1024
	defaultPGPingTimeout    = 5 * time.Second
	defaultPGMaxOpenConns   = 10
	defaultPGMaxIdleConns   = 5

	envConfigFile       = "FORGE_CONFIG"
	envListenAddr       = "FORGE_LISTEN_ADDR"
	envLogLevel         = "FORGE_LOG_LEVEL"
	envDBDriver         = "FORGE_DB_DRIVER"
	envDBPath           = "FORGE_DB_PATH"
	envDatabaseURL      = "FORGE_DATABASE_URL"
	envMaxAttempts      = "FORGE_MAX_ATTEMPTS"
	envPollInterval     = "FORGE_POLL_INTERVAL"
	envFailFastFatal    = "FORGE_FAIL_FAST_FATAL"
	envProgressInterval = "FORGE_PROGRESS_INTERVAL"
	envStepLease        = "FORGE_STEP_LEASE"
	envSweepSchedule    = "FORGE_SWEEP_SCHEDULE"
	envGateMinOutput    = "FORGE_GATE_MIN_OUTPUT"
	envGateRules        = "FORGE_GATE_RULES"
	envGateSemantic     = "FORGE_GATE_SEMANTIC"
	envOracleURL        = "FORGE_ORACLE_URL"
	envOracleAPIKey     = "FORGE_ORACLE_API_KEY"
	envOracleModel      = "FORGE_ORACLE_MODEL"
	envOracleRPS        = "FORGE_ORACLE_RPS"
	envQueue            = "FORGE_QUEUE"
	envRedisAddr        = "FORGE_REDIS_ADDR"
	envRedisPassword    = "FORGE_REDIS_PASSWORD"
	envWorkers          = "FORGE_WORKERS"
	envArtifactDir      = "FORGE_ARTIFACT_DIR"
	envMinIOEndpoint    = "FORGE_MINIO_ENDPOINT"
	envMinIOAccessKey   = "FORGE_MINIO_ACCESS_KEY"
	envMinIOSecretKey   = "FORGE_MINIO_SECRET_KEY"
	envMinIOBucket      = "FORGE_MINIO_BUCKET"
	envMinIOUseSSL      = "FORGE_MINIO_USE_SSL"
	envPlanTemplates    = "FORGE_PLAN_TEMPLATES"
	envAgentsFile       = "FORGE_AGENTS_FILE"
	envWebhookURL       = "FORGE_WEBHOOK_URL"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Duration is a time.Duration written as a string such as "2s" in TOML.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds application configuration.
type Config struct {
	ListenAddr string     `toml:"listen_addr"`
	LogLevel   slog.Level `toml:"-"`
	// LogLevelName is the textual level read from the file.
	LogLevelName string `toml:"log_level"`

	Database  DatabaseConfig  `toml:"database"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Gate      GateConfig      `toml:"gate"`
	Oracle    OracleConfig    `toml:"oracle"`
	Queue     QueueConfig     `toml:"queue"`
	Artifacts ArtifactConfig  `toml:"artifacts"`

	PlanTemplates string `toml:"plan_templates"`
	AgentsFile    string `toml:"agents_file"`
	// WebhookURL receives durable outbox events when set.
	WebhookURL string `toml:"webhook_url"`
}

// DatabaseConfig selects and tunes the store.
type DatabaseConfig struct {
	Driver          string   `toml:"driver"`
	Path            string   `toml:"path"`
	URL             string   `toml:"url"`
	PingTimeout     Duration `toml:"ping_timeout"`
	MaxOpenConns    int      `toml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
}

// SchedulerConfig tunes step claiming and retries.
type SchedulerConfig struct {
	MaxAttempts      int      `toml:"max_attempts"`
	PollInterval     Duration `toml:"poll_interval"`
	ProgressInterval Duration `toml:"progress_interval"`
	FailFastOnFatal  bool     `toml:"fail_fast_on_fatal"`
	SweepSchedule    string   `toml:"sweep_schedule"`
	// StepLease is how long a claimed step may stay running before another
	// scheduler may take it over.
	StepLease        Duration `toml:"step_lease"`
}

// GateConfig tunes governance checks.
type GateConfig struct {
	MinOutputBytes int    `toml:"min_output_bytes"`
	RulesPath      string `toml:"rules_path"`
	Semantic       bool   `toml:"semantic"`
}

// OracleConfig points at the reasoning model endpoint. An empty URL means
// the oracle is unavailable.
type OracleConfig struct {
	URL       string   `toml:"url"`
	APIKey    string   `toml:"api_key"`
	Model     string   `toml:"model"`
	MaxTokens int      `toml:"max_tokens"`
	RPS       float64  `toml:"rps"`
	Timeout   Duration `toml:"timeout"`
}

// QueueConfig selects how executions reach workers.
type QueueConfig struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	Workers       int    `toml:"workers"`
}

// ArtifactConfig selects where automation steps write artifacts. MinIO is
// used when MinIOEndpoint is set, otherwise Dir.
type ArtifactConfig struct {
	Dir            string `toml:"dir"`
	MinIOEndpoint  string `toml:"minio_endpoint"`
	MinIOAccessKey string `toml:"minio_access_key"`
	MinIOSecretKey string `toml:"minio_secret_key"`
	MinIOBucket    string `toml:"minio_bucket"`
	MinIOUseSSL    bool   `toml:"minio_use_ssl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		LogLevel:   slog.LevelInfo,
		Database: DatabaseConfig{
			Driver:       defaultDBDriver,
			Path:         defaultDBPath,
			PingTimeout:  Duration(defaultPGPingTimeout),
			MaxOpenConns: defaultPGMaxOpenConns,
			MaxIdleConns: defaultPGMaxIdleConns,
		},
		Scheduler: SchedulerConfig{
			MaxAttempts:      defaultMaxAttempts,
			PollInterval:     Duration(defaultPollInterval),
			ProgressInterval: Duration(defaultProgressInterval),
			SweepSchedule:    defaultSweepSchedule,
			StepLease:        Duration(defaultStepLease),
		},
		Gate:   GateConfig{MinOutputBytes: defaultGateMinOutput},
		Oracle: OracleConfig{MaxTokens: defaultOracleMaxTokens, Timeout: Duration(defaultOracleTimeout)},
		Queue:  QueueConfig{Backend: QueueMemory, Workers: defaultWorkers},
		Artifacts: ArtifactConfig{
			Dir: "artifacts",
		},
	}
}

// Load builds the configuration: defaults, then the TOML file named by
// FORGE_CONFIG if set, then environment variables.
func Load() (Config, error) {
	return LoadFrom(os.Getenv(envConfigFile))
}

// LoadFrom is Load with an explicit config file path. An empty path skips the
// file.
func LoadFrom(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.LogLevelName != "" {
		cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.ListenAddr = envString(envListenAddr, cfg.ListenAddr)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	db := &cfg.Database
	db.Driver = strings.ToLower(envString(envDBDriver, db.Driver))
	db.Path = envString(envDBPath, db.Path)
	db.URL = envString(envDatabaseURL, db.URL)

	sc := &cfg.Scheduler
	var err error
	sc.MaxAttempts, err = envInt(envMaxAttempts, sc.MaxAttempts)
	collect(err)
	sc.PollInterval, err = envDuration(envPollInterval, sc.PollInterval)
	collect(err)
	sc.ProgressInterval, err = envDuration(envProgressInterval, sc.ProgressInterval)
	collect(err)
	sc.FailFastOnFatal, err = envBool(envFailFastFatal, sc.FailFastOnFatal)
	collect(err)
	sc.SweepSchedule = envString(envSweepSchedule, sc.SweepSchedule)
	sc.StepLease, err = envDuration(envStepLease, sc.StepLease)
	collect(err)

	g := &cfg.Gate
	g.MinOutputBytes, err = envInt(envGateMinOutput, g.MinOutputBytes)
	collect(err)
	g.RulesPath = envString(envGateRules, g.RulesPath)
	g.Semantic, err = envBool(envGateSemantic, g.Semantic)
	collect(err)

	o := &cfg.Oracle
	o.URL = envString(envOracleURL, o.URL)
	o.APIKey = envString(envOracleAPIKey, o.APIKey)
	o.Model = envString(envOracleModel, o.Model)
	o.RPS, err = envFloat(envOracleRPS, o.RPS)
	collect(err)

	q := &cfg.Queue
	q.Backend = strings.ToLower(envString(envQueue, q.Backend))
	q.RedisAddr = envString(envRedisAddr, q.RedisAddr)
	q.RedisPassword = envString(envRedisPassword, q.RedisPassword)
	q.Workers, err = envInt(envWorkers, q.Workers)
	collect(err)

	a := &cfg.Artifacts
	a.Dir = envString(envArtifactDir, a.Dir)
	a.MinIOEndpoint = envString(envMinIOEndpoint, a.MinIOEndpoint)
	a.MinIOAccessKey = envString(envMinIOAccessKey, a.MinIOAccessKey)
	a.MinIOSecretKey = envString(envMinIOSecretKey, a.MinIOSecretKey)
	a.MinIOBucket = envString(envMinIOBucket, a.MinIOBucket)
	a.MinIOUseSSL, err = envBool(envMinIOUseSSL, a.MinIOUseSSL)
	collect(err)

	cfg.PlanTemplates = envString(envPlanTemplates, cfg.PlanTemplates)
	cfg.AgentsFile = envString(envAgentsFile, cfg.AgentsFile)
	cfg.WebhookURL = envString(envWebhookURL, cfg.WebhookURL)

	return errors.Join(errs...)
}

// Validate reports invalid settings and combinations.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("%s is required for postgres", envDatabaseURL))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}

	switch c.Queue.Backend {
	case QueueMemory:
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("%s is required for the redis queue", envRedisAddr))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}

	if c.Scheduler.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if c.Scheduler.PollInterval <= 0 || c.Scheduler.ProgressInterval <= 0 {
		errs = append(errs, errors.New("poll and progress intervals must be positive"))
	}
	if c.Scheduler.StepLease <= 0 {
		errs = append(errs, errors.New("step lease must be positive"))
	}
	if c.Scheduler.SweepSchedule == "" {
		errs = append(errs, errors.New("sweep schedule is required"))
	}
	if c.Queue.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.Gate.MinOutputBytes < 0 {
		errs = append(errs, errors.New("gate minimum output must not be negative"))
	}
	if c.Oracle.RPS < 0 {
		errs = append(errs, errors.New("oracle rps must not be negative"))
	}
	if a := c.Artifacts; a.MinIOEndpoint != "" && (a.MinIOBucket == "" || a.MinIOAccessKey == "" || a.MinIOSecretKey == "") {
		errs = append(errs, errors.New("minio endpoint requires bucket, access key and secret key"))
	}
	if a := c.Artifacts; a.MinIOEndpoint == "" && a.Dir == "" {
		errs = append(errs, errors.New("artifact directory is required without minio"))
	}
	return errors.Join(errs...)
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return i, nil
}

func envFloat(key string, def float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def Duration) (Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return Duration(d), nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
