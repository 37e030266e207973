package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded once at startup and passed
// to every component constructor. Nothing reads the environment after load.
type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	Elastic     ElasticConfig
	Security    SecurityConfig
	OTP         OTPConfig
	Delivery    DeliveryConfig
	Bucketing   BucketingConfig
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
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers       []string
	SecurityTopic string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type ElasticConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

// SecurityConfig carries the system master secret and token parameters.
// The master secret is never used directly; purpose-specific keys are
// derived from it (see internal/crypto and internal/token).
type SecurityConfig struct {
	MasterSecret string
	TokenTTL     time.Duration
	KMS          KMSConfig
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type OTPConfig struct {
	CodeTTL           time.Duration
	MaxVerifyAttempts int
	AttemptWindow     time.Duration
}

// DeliveryProvider is a closed set of OTP transport backends. Each variant
// carries its own credential struct; selection happens at load time.
type DeliveryProvider string

const (
	EmailProviderSMTP      DeliveryProvider = "smtp"
	SMSProviderHTTPGateway DeliveryProvider = "http-gateway"
	ProviderNone           DeliveryProvider = "none"
)

type DeliveryConfig struct {
	EmailProvider DeliveryProvider
	SMSProvider   DeliveryProvider
	SMTP          SMTPConfig
	SMSGateway    SMSGatewayConfig
	SendTimeout   time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMSGatewayConfig struct {
	URL      string
	APIKey   string
	SenderID string
}

type BucketingConfig struct {
	AttemptBuckets int
	TenantBuckets  int
}

// LoadConfig reads configuration from the environment. A .env file is
// honored in development but never required.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
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
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", "localhost:9042"),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "tipline"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnvList("KAFKA_BROKERS", "localhost:9092"),
			SecurityTopic: getEnv("KAFKA_SECURITY_TOPIC", "tipline.security-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "tipline_audit"),
		},
		Elastic: ElasticConfig{
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "tipline-audit"),
		},
		Security: SecurityConfig{
			MasterSecret: getEnv("MASTER_SECRET", ""),
			TokenTTL:     getEnvDuration("ACCESS_TOKEN_TTL", time.Hour),
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "eu-central-1"),
			},
		},
		OTP: OTPConfig{
			CodeTTL:           getEnvDuration("OTP_CODE_TTL", 5*time.Minute),
			MaxVerifyAttempts: getEnvInt("OTP_MAX_VERIFY_ATTEMPTS", 5),
			AttemptWindow:     getEnvDuration("OTP_ATTEMPT_WINDOW", 5*time.Minute),
		},
		Delivery: DeliveryConfig{
			EmailProvider: DeliveryProvider(getEnv("OTP_EMAIL_PROVIDER", string(EmailProviderSMTP))),
			SMSProvider:   DeliveryProvider(getEnv("OTP_SMS_PROVIDER", string(ProviderNone))),
			SMTP: SMTPConfig{
				Host:     getEnv("SMTP_HOST", "localhost"),
				Port:     getEnvInt("SMTP_PORT", 587),
				Username: getEnv("SMTP_USERNAME", ""),
				Password: getEnv("SMTP_PASSWORD", ""),
				From:     getEnv("SMTP_FROM", "no-reply@tipline.local"),
			},
			SMSGateway: SMSGatewayConfig{
				URL:      getEnv("SMS_GATEWAY_URL", ""),
				APIKey:   getEnv("SMS_GATEWAY_API_KEY", ""),
				SenderID: getEnv("SMS_GATEWAY_SENDER_ID", "tipline"),
			},
			SendTimeout: getEnvDuration("OTP_SEND_TIMEOUT", 10*time.Second),
		},
		Bucketing: BucketingConfig{
			AttemptBuckets: getEnvInt("ATTEMPT_BUCKETS", 16),
			TenantBuckets:  getEnvInt("TENANT_BUCKETS", 8),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
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

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
