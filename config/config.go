package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cadencely/models"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type SESConfig struct {
	Region           string `json:"region"`
	ConfigurationSet string `json:"configuration_set"`
}

type IMAPConfig struct {
	Enabled      bool          `json:"enabled"`
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Username     string        `json:"username"`
	Password     string        `json:"-"`
	Mailbox      string        `json:"mailbox"`
	Encryption   string        `json:"encryption"` // SSL, STARTTLS, NONE
	PollInterval time.Duration `json:"poll_interval"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	GroupID string   `json:"group_id"`
}

type OpenAIConfig struct {
	APIKey  string        `json:"-"`
	Model   string        `json:"model"`
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

type SchedulerConfig struct {
	Enabled      bool          `json:"enabled"`
	TickInterval time.Duration `json:"tick_interval"`
	BatchSize    int           `json:"batch_size"`
	Visibility   time.Duration `json:"visibility"`
	ClaimLease   time.Duration `json:"claim_lease"`
}

type Config struct {
	Environment    string `json:"environment"`
	ServerPort     string `json:"server_port"`
	JWTSecret      string `json:"-"`
	TrackingSecret string `json:"-"`
	WebhookSecret  string `json:"-"`
	SentryDSN      string `json:"-"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis RedisConfig `json:"redis"`

	// Outbound channels
	EmailProvider    string     `json:"email_provider"` // smtp, ses
	FromEmail        string     `json:"from_email"`
	FromName         string     `json:"from_name"`
	MessageIDDomain  string     `json:"message_id_domain"`
	TrackingBaseURL  string     `json:"tracking_base_url"`
	SMTP             SMTPConfig `json:"smtp"`
	SES              SESConfig  `json:"ses"`
	SocialWebhookURL string     `json:"social_webhook_url"`
	SocialAPIKey     string     `json:"-"`

	AIEnabled bool         `json:"ai_enabled"`
	OpenAI    OpenAIConfig `json:"openai"`

	Kafka     KafkaConfig     `json:"kafka"`
	IMAP      IMAPConfig      `json:"imap"`
	Scheduler SchedulerConfig `json:"scheduler"`

	WebhookRateLimit int      `json:"webhook_rate_limit"`
	CORSOrigins      []string `json:"cors_origins"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		TrackingSecret: getEnv("TRACKING_SECRET", ""),
		WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
		SentryDSN:      getEnv("SENTRY_DSN", ""),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "cadencely"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		EmailProvider:   strings.ToLower(getEnv("EMAIL_PROVIDER", "smtp")),
		FromEmail:       getEnv("FROM_EMAIL", ""),
		FromName:        getEnv("FROM_NAME", ""),
		MessageIDDomain: getEnv("MESSAGE_ID_DOMAIN", "cadencely.local"),
		TrackingBaseURL: strings.TrimRight(getEnv("TRACKING_BASE_URL", "http://localhost:5000"), "/"),
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
		},
		SES: SESConfig{
			Region:           getEnv("SES_REGION", "us-east-1"),
			ConfigurationSet: getEnv("SES_CONFIGURATION_SET", ""),
		},
		SocialWebhookURL: getEnv("SOCIAL_WEBHOOK_URL", ""),
		SocialAPIKey:     getEnv("SOCIAL_API_KEY", ""),

		AIEnabled: getEnvAsBool("AI_ENABLED", true),
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Timeout: getEnvAsDuration("OPENAI_TIMEOUT", 30*time.Second),
		},

		Kafka: KafkaConfig{
			Enabled: getEnvAsBool("KAFKA_ENABLED", false),
			Brokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getEnv("ENGAGEMENT_TOPIC", "sequence-engagement"),
			GroupID: getEnv("KAFKA_GROUP_ID", "cadencely-engagement"),
		},
		IMAP: IMAPConfig{
			Enabled:      getEnvAsBool("IMAP_ENABLED", false),
			Host:         getEnv("IMAP_HOST", ""),
			Port:         getEnvAsInt("IMAP_PORT", 993),
			Username:     getEnv("IMAP_USERNAME", ""),
			Password:     getEnv("IMAP_PASSWORD", ""),
			Mailbox:      getEnv("IMAP_MAILBOX", "INBOX"),
			Encryption:   getEnv("IMAP_ENCRYPTION", "SSL"),
			PollInterval: getEnvAsDuration("IMAP_POLL_INTERVAL", 5*time.Minute),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getEnvAsBool("SCHEDULER_ENABLED", true),
			TickInterval: getEnvAsDuration("SCHEDULER_TICK_INTERVAL", 30*time.Second),
			BatchSize:    getEnvAsInt("SCHEDULER_BATCH_SIZE", 100),
			Visibility:   getEnvAsDuration("SCHEDULER_VISIBILITY_TIMEOUT", 2*time.Minute),
			ClaimLease:   getEnvAsDuration("SCHEDULER_CLAIM_LEASE", 5*time.Minute),
		},

		WebhookRateLimit: getEnvAsInt("WEBHOOK_RATE_LIMIT", 300),
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.TrackingSecret == "" {
		return fmt.Errorf("TRACKING_SECRET is required for tracking links")
	}
	if AppConfig.WebhookSecret == "" {
		log.Warn("WEBHOOK_SECRET is not set; engagement webhooks will be rejected")
	}
	if AppConfig.AIEnabled && AppConfig.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_ENABLED is true")
	}
	switch AppConfig.EmailProvider {
	case "smtp", "ses":
	default:
		return fmt.Errorf("EMAIL_PROVIDER must be smtp or ses, got %q", AppConfig.EmailProvider)
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Info("Using connection string: ", maskPassword(dsn))

	gormLogLevel := logger.Warn
	if AppConfig.Environment == "production" {
		gormLogLevel = logger.Error
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(gormLogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("✅ Successfully connected to the database")
	return nil
}

// Migrate runs the schema migration on DB.
func Migrate() error {
	log.Info("🔄 Starting database migration...")
	if err := models.AutoMigrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Warnf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.WithFields(log.Fields{
		"environment":    AppConfig.Environment,
		"server_port":    AppConfig.ServerPort,
		"database":       fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":          AppConfig.Redis.Enabled,
		"email_provider": AppConfig.EmailProvider,
		"ai":             AppConfig.AIEnabled,
		"kafka":          AppConfig.Kafka.Enabled,
		"imap":           AppConfig.IMAP.Enabled,
	}).Info("🔧 Loaded configuration")
}
