package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const (
	BackendMinIO  = "minio"
	BackendMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort    string
	ServiceName    string
	ServiceVersion string
	LogMode        string
	StorageBackend string
	JWTSecret      string
	AdminToken     string

	// Upload configuration
	MaxChunkSize      int64
	VerifyFingerprint bool
	AssemblyLockTTL   time.Duration
	StaleUploadTTL    time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Tracing configuration
	OTelEndpoint     string
	TraceSampleRatio float64
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// When CONFIG_PATH names a YAML file its values sit between the defaults and the environment.
func LoadConfig() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	maxChunk, err := src.getBytes("MAX_CHUNK_SIZE", "10MiB")
	if err != nil {
		return nil, err
	}

	config := &Config{
		// Service defaults
		ServicePort:    src.get("SERVICE_PORT", "8080"),
		ServiceName:    src.get("SERVICE_NAME", "edushare-upload"),
		ServiceVersion: src.get("SERVICE_VERSION", "1.0.0"),
		LogMode:        src.get("LOG_MODE", "development"),
		StorageBackend: strings.ToLower(src.get("STORAGE_BACKEND", BackendMinIO)),
		JWTSecret:      src.get("JWT_SECRET", ""),
		AdminToken:     src.get("ADMIN_TOKEN", ""),

		// Upload defaults
		MaxChunkSize:      maxChunk,
		VerifyFingerprint: src.getBool("VERIFY_FINGERPRINT", true),
		AssemblyLockTTL:   src.getDuration("ASSEMBLY_LOCK_TTL", 10*time.Minute),
		StaleUploadTTL:    src.getDuration("STALE_UPLOAD_TTL", 24*time.Hour),
		SweepInterval:     src.getDuration("SWEEP_INTERVAL", 30*time.Minute),
		SweepBatchSize:    src.getInt("SWEEP_BATCH_SIZE", 100),

		// MinIO defaults
		MinIOEndpoint:   src.get("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  src.get("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  src.get("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: src.get("MINIO_BUCKET_NAME", "edushare"),
		MinIOUseSSL:     src.getBool("MINIO_USE_SSL", false),

		// TiDB defaults
		TiDBHost:     src.get("TIDB_HOST", "localhost"),
		TiDBPort:     src.get("TIDB_PORT", "4000"),
		TiDBUser:     src.get("TIDB_USER", "root"),
		TiDBPassword: src.get("TIDB_PASSWORD", ""),
		TiDBDatabase: src.get("TIDB_DATABASE", "edushare"),

		// Redis defaults
		RedisHost:     src.get("REDIS_HOST", "localhost"),
		RedisPort:     src.get("REDIS_PORT", "6379"),
		RedisPassword: src.get("REDIS_PASSWORD", ""),
		RedisDB:       src.getInt("REDIS_DB", 0),

		// Tracing defaults
		OTelEndpoint:     src.get("OTEL_ENDPOINT", "localhost:4318"),
		TraceSampleRatio: src.getFloat("TRACE_SAMPLE_RATIO", 1),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("MAX_CHUNK_SIZE must be positive, got %d", c.MaxChunkSize)
	}
	if c.StorageBackend != BackendMinIO && c.StorageBackend != BackendMemory {
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0,1], got %v", c.TraceSampleRatio)
	}
	for key, d := range map[string]time.Duration{
		"ASSEMBLY_LOCK_TTL": c.AssemblyLockTTL,
		"STALE_UPLOAD_TTL":  c.StaleUploadTTL,
		"SWEEP_INTERVAL":    c.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive, got %d", c.SweepBatchSize)
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// MaxChunkSizeHuman returns the chunk ceiling in human readable form
func (c *Config) MaxChunkSizeHuman() string {
	return units.BytesSize(float64(c.MaxChunkSize))
}

func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// source resolves a key from the environment first, then the config file
type source struct {
	file map[string]string
}

// Helper functions
func (s source) get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := s.file[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

func (s source) getInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(s.get(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func (s source) getBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(s.get(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func (s source) getFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(s.get(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func (s source) getDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(s.get(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func (s source) getBytes(key, defaultValue string) (int64, error) {
	raw := s.get(key, defaultValue)
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
