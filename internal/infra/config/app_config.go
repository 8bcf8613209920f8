// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the YAML file.
const (
	EnvDatabaseDSN        = "AUDIOSUM_DATABASE_DSN"
	EnvRedisPassword      = "AUDIOSUM_REDIS_PASSWORD"
	EnvS3AccessKey        = "AUDIOSUM_S3_ACCESS_KEY"
	EnvS3SecretKey        = "AUDIOSUM_S3_SECRET_KEY"
	EnvSpeechClientSecret = "AUDIOSUM_SPEECH_CLIENT_SECRET"
	EnvLLMAPIKey          = "AUDIOSUM_LLM_API_KEY"
)

// LoggingConfig selects the zap encoder.
type LoggingConfig struct {
	Mode string `yaml:"mode"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/audiosum"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// RedisConfig configures the Redis Streams transport.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	StreamPrefix string        `yaml:"streamPrefix"`
	BlockTimeout time.Duration `yaml:"blockTimeout"`
	ClaimIdle    time.Duration `yaml:"claimIdle"`
	MaxLen       int64         `yaml:"maxLen"`
}

func (c *RedisConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if strings.TrimSpace(c.StreamPrefix) == "" {
		c.StreamPrefix = "audiosum"
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 5 * time.Minute
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 10000
	}
}

// Bus drivers.
const (
	BusDriverMemory = "memory"
	BusDriverRedis  = "redis"
)

// BusConfig selects and sizes the message bus.
type BusConfig struct {
	Driver          string        `yaml:"driver"`
	BufferSize      int           `yaml:"bufferSize"`
	FanoutWorkers   int           `yaml:"fanoutWorkers"`
	MaxDeliveries   int           `yaml:"maxDeliveries"`
	RedeliveryDelay time.Duration `yaml:"redeliveryDelay"`
}

func (c *BusConfig) applyDefaults() {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = BusDriverRedis
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 20
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = 5 * time.Second
	}
}

// OutboxConfig tunes the outbox worker.
type OutboxConfig struct {
	BatchSize          int           `yaml:"batchSize"`
	IdleInterval       time.Duration `yaml:"idleInterval"`
	MaxAttempts        int           `yaml:"maxAttempts"`
	DeadLetterCapacity int           `yaml:"deadLetterCapacity"`
}

func (c *OutboxConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = 256
	}
}

// StorageConfig configures the S3-compatible blob store.
type StorageConfig struct {
	Region       string        `yaml:"region"`
	Bucket       string        `yaml:"bucket"`
	Endpoint     string        `yaml:"endpoint"`
	AccessKey    string        `yaml:"accessKey"`
	SecretKey    string        `yaml:"secretKey"`
	UsePathStyle bool          `yaml:"usePathStyle"`
	PartSize     int64         `yaml:"partSize"`
	PresignTTL   time.Duration `yaml:"presignTTL"`
}

func (c *StorageConfig) applyDefaults() {
	if strings.TrimSpace(c.Region) == "" {
		c.Region = "us-east-1"
	}
	if c.PartSize <= 0 {
		c.PartSize = 5 * 1024 * 1024
	}
	if c.PresignTTL <= 0 {
		c.PresignTTL = 15 * time.Minute
	}
}

// PipelineConfig selects the stages run by the process and their resources.
type PipelineConfig struct {
	Stages          []string      `yaml:"stages"`
	Concurrency     int           `yaml:"concurrency"`
	SegmentDuration time.Duration `yaml:"segmentDuration"`
	TempDir         string        `yaml:"tempDir"`
	FFmpegPath      string        `yaml:"ffmpegPath"`
	FFprobePath     string        `yaml:"ffprobePath"`
}

func (c *PipelineConfig) applyDefaults() {
	if len(c.Stages) == 0 {
		c.Stages = []string{"all"}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if strings.TrimSpace(c.TempDir) == "" {
		c.TempDir = os.TempDir()
	}
	if strings.TrimSpace(c.FFmpegPath) == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(c.FFprobePath) == "" {
		c.FFprobePath = "ffprobe"
	}
}

// EnabledStages resolves the stage list, expanding "all".
func (c PipelineConfig) EnabledStages() ([]Stage, error) {
	seen := make(map[Stage]struct{}, len(c.Stages))
	out := make([]Stage, 0, len(c.Stages))
	for _, raw := range c.Stages {
		if strings.EqualFold(strings.TrimSpace(raw), "all") {
			return AllStages(), nil
		}
		stage, ok := parseStage(raw)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", raw)
		}
		if _, dup := seen[stage]; dup {
			continue
		}
		seen[stage] = struct{}{}
		out = append(out, stage)
	}
	return out, nil
}

// SpeechConfig configures the asynchronous speech recognition API.
type SpeechConfig struct {
	BaseURL           string        `yaml:"baseURL"`
	AuthURL           string        `yaml:"authURL"`
	ClientID          string        `yaml:"clientID"`
	ClientSecret      string        `yaml:"clientSecret"`
	Scope             string        `yaml:"scope"`
	Model             string        `yaml:"model"`
	Language          string        `yaml:"language"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Timeout           time.Duration `yaml:"timeout"`
	Diarization       bool          `yaml:"diarization"`
	SpeakerCount      int           `yaml:"speakerCount"`
}

func (c *SpeechConfig) applyDefaults() {
	if strings.TrimSpace(c.Scope) == "" {
		c.Scope = "SALUTE_SPEECH_PERS"
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = "general"
	}
	if strings.TrimSpace(c.Language) == "" {
		c.Language = "ru-RU"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
}

// LLM providers.
const (
	LLMProviderGemini = "gemini"
	LLMProviderOpenAI = "openai"
)

// LLMConfig configures the completion provider.
type LLMConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"apiKey"`
	BaseURL           string        `yaml:"baseURL"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Timeout           time.Duration `yaml:"timeout"`
}

func (c *LLMConfig) applyDefaults() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = LLMProviderGemini
	}
	if strings.TrimSpace(c.Model) == "" {
		switch c.Provider {
		case LLMProviderOpenAI:
			c.Model = "gpt-4o-mini"
		default:
			c.Model = "gemini-2.5-flash"
		}
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
}

// DocumentsConfig configures summary rendering.
type DocumentsConfig struct {
	// FontPath points to a UTF-8 TrueType font used for PDF output.
	FontPath string `yaml:"fontPath"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the unified audiosum application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Logging     LoggingConfig   `yaml:"logging"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	Bus         BusConfig       `yaml:"bus"`
	Outbox      OutboxConfig    `yaml:"outbox"`
	Storage     StorageConfig   `yaml:"storage"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Speech      SpeechConfig    `yaml:"speech"`
	LLM         LLMConfig       `yaml:"llm"`
	Documents   DocumentsConfig `yaml:"documents"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	APIServer   APIServerConfig `yaml:"apiServer"`
}

// Load reads and validates an AppConfig from the provided YAML file. Secrets may be
// supplied through the environment, optionally seeded from envFile.
func Load(ctx context.Context, configPath, envFile string) (AppConfig, error) {
	_ = ctx

	if err := loadEnvFile(envFile); err != nil {
		return AppConfig{}, err
	}

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// A missing env file is not an error; the process environment may already carry the values.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	set := func(target *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	set(&c.Database.DSN, EnvDatabaseDSN)
	set(&c.Redis.Password, EnvRedisPassword)
	set(&c.Storage.AccessKey, EnvS3AccessKey)
	set(&c.Storage.SecretKey, EnvS3SecretKey)
	set(&c.Speech.ClientSecret, EnvSpeechClientSecret)
	set(&c.LLM.APIKey, EnvLLMAPIKey)
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Logging.Mode = strings.ToLower(strings.TrimSpace(c.Logging.Mode))
	if c.Logging.Mode == "" {
		if c.Environment == EnvDev {
			c.Logging.Mode = "development"
		} else {
			c.Logging.Mode = "production"
		}
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8080"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "audiosum"
	}
	c.Storage.Bucket = strings.TrimSpace(c.Storage.Bucket)
	c.Storage.Endpoint = strings.TrimSpace(c.Storage.Endpoint)
	c.Speech.BaseURL = strings.TrimRight(strings.TrimSpace(c.Speech.BaseURL), "/")
	c.Speech.AuthURL = strings.TrimSpace(c.Speech.AuthURL)
	c.Documents.FontPath = strings.TrimSpace(c.Documents.FontPath)

	c.Database.applyDefaults()
	c.Redis.applyDefaults()
	c.Bus.applyDefaults()
	c.Outbox.applyDefaults()
	c.Storage.applyDefaults()
	c.Pipeline.applyDefaults()
	c.Speech.applyDefaults()
	c.LLM.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	switch c.Logging.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("logging mode must be development or production")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	switch c.Bus.Driver {
	case BusDriverMemory, BusDriverRedis:
	default:
		return fmt.Errorf("bus driver must be memory or redis, got %q", c.Bus.Driver)
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket required")
	}
	if c.Storage.PartSize < 5*1024*1024 {
		return fmt.Errorf("storage partSize must be at least 5 MiB")
	}
	if c.Pipeline.SegmentDuration < 0 {
		return fmt.Errorf("pipeline segmentDuration must be >= 0")
	}
	if _, err := c.Pipeline.EnabledStages(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	switch c.LLM.Provider {
	case LLMProviderGemini, LLMProviderOpenAI:
	default:
		return fmt.Errorf("llm provider must be gemini or openai, got %q", c.LLM.Provider)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
