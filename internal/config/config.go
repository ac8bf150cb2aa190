package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config enumerates every tunable of the gate service. All values come from
// the environment (optionally via .env) and are validated once at startup.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	OTP           OTPConfig
	Gate          GateConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
	// Timeout applied per fast-store call. A timeout is treated as a miss.
	CallTimeout time.Duration
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers       []string
	DeliveryTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Pepper must be identical across all gate workers: code hashes written by
	// one process are verified by another.
	Pepper    string
	PhoneSalt string
}

type BucketingConfig struct {
	IdentityBuckets int
}

type OTPConfig struct {
	CodeLength  int
	CodeTTL     time.Duration
	MaxAttempts int
	IssueLimit  int
	IssueWindow time.Duration
	// AttemptsTTL bounds how long a failed-attempt counter survives in cache.
	AttemptsTTL time.Duration
}

type GateConfig struct {
	// PendingStatuses is the set of job statuses that count as non-terminal.
	PendingStatuses []string
	PendingJobTTL   time.Duration
	// VerificationTTL is the cache refresh horizon for the monotonic
	// is_verified flag, not an expiry of the fact itself.
	VerificationTTL time.Duration
	VideoLimit      int
	SubmitLimit     int
	SubmitWindow    time.Duration
}

var loaded *Config

// LoadConfig reads configuration from the environment, validates it, and
// installs it as the process-wide config.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:         getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvInt("REDIS_DB", 0),
			PoolSize:    getEnvInt("REDIS_POOL_SIZE", 50),
			CallTimeout: getEnvDuration("REDIS_CALL_TIMEOUT", 3*time.Second),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "gate"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			DeliveryTopic: getEnv("KAFKA_DELIVERY_TOPIC", "otp-delivery"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Database: getEnv("CLICKHOUSE_DATABASE", "gate_analytics"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      getEnv("ELASTICSEARCH_URL", "https://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "ap-south-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 65536),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 4),
			Pepper:            getEnv("HASH_PEPPER", ""),
			PhoneSalt:         getEnv("PHONE_HASH_SALT", ""),
		},
		Bucketing: BucketingConfig{
			IdentityBuckets: getEnvInt("IDENTITY_BUCKETS", 64),
		},
		OTP: OTPConfig{
			CodeLength:  getEnvInt("OTP_CODE_LENGTH", 6),
			CodeTTL:     getEnvDuration("OTP_CODE_TTL", 10*time.Minute),
			MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 3),
			IssueLimit:  getEnvInt("OTP_ISSUE_LIMIT", 3),
			IssueWindow: getEnvDuration("OTP_ISSUE_WINDOW", time.Hour),
			AttemptsTTL: getEnvDuration("OTP_ATTEMPTS_TTL", time.Hour),
		},
		Gate: GateConfig{
			PendingStatuses: getEnvList("GATE_PENDING_STATUSES", []string{
				"queued", "photo_processing", "photo_done",
				"lipsync_processing", "lipsync_done", "stitching", "uploaded",
			}),
			PendingJobTTL:   getEnvDuration("GATE_PENDING_JOB_TTL", 30*time.Minute),
			VerificationTTL: getEnvDuration("GATE_VERIFICATION_TTL", time.Hour),
			VideoLimit:      getEnvInt("GATE_VIDEO_LIMIT", 3),
			SubmitLimit:     getEnvInt("GATE_SUBMIT_LIMIT", 10),
			SubmitWindow:    getEnvDuration("GATE_SUBMIT_WINDOW", time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	loaded = cfg
	return cfg, nil
}

// Get returns the process-wide config. LoadConfig must have succeeded first.
func Get() *Config {
	return loaded
}

// Validate rejects configurations the gate cannot run with.
func (c *Config) Validate() error {
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return fmt.Errorf("invalid OTP_CODE_LENGTH %d: must be between 4 and 10", c.OTP.CodeLength)
	}
	if c.OTP.CodeTTL <= 0 {
		return fmt.Errorf("invalid OTP_CODE_TTL %s: must be positive", c.OTP.CodeTTL)
	}
	if c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("invalid OTP_MAX_ATTEMPTS %d: must be positive", c.OTP.MaxAttempts)
	}
	if c.OTP.IssueLimit <= 0 || c.OTP.IssueWindow <= 0 {
		return fmt.Errorf("invalid OTP issue rate limit: limit=%d window=%s", c.OTP.IssueLimit, c.OTP.IssueWindow)
	}
	if len(c.Gate.PendingStatuses) == 0 {
		return fmt.Errorf("GATE_PENDING_STATUSES must name at least one non-terminal status")
	}
	if c.Gate.VideoLimit <= 0 {
		return fmt.Errorf("invalid GATE_VIDEO_LIMIT %d: must be positive", c.Gate.VideoLimit)
	}
	if c.Bucketing.IdentityBuckets <= 0 {
		return fmt.Errorf("invalid IDENTITY_BUCKETS %d: must be positive", c.Bucketing.IdentityBuckets)
	}
	if len(c.Scylla.Nodes) == 0 {
		return fmt.Errorf("SCYLLA_NODES must name at least one node")
	}
	if c.IsProduction() {
		if c.Hashing.Pepper == "" {
			return fmt.Errorf("HASH_PEPPER is required in production")
		}
		if c.Hashing.PhoneSalt == "" {
			return fmt.Errorf("PHONE_HASH_SALT is required in production")
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// IsPendingStatus reports whether a job status counts as non-terminal.
func (c *Config) IsPendingStatus(status string) bool {
	for _, s := range c.Gate.PendingStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
