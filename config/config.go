package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailtriage/models"
)

const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// GmailConfig holds the OAuth token triple used to open a Gmail session.
type GmailConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	RefreshToken string `json:"-"`
}

type IMAPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	Encryption string `json:"encryption"`
	Mailbox    string `json:"mailbox"`
}

type OpenAIConfig struct {
	APIKey  string `json:"-"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
}

type NotionConfig struct {
	Token      string `json:"-"`
	DatabaseID string `json:"database_id"`
}

type Config struct {
	Environment  string       `json:"environment"`
	ServerPort   string       `json:"server_port"`
	MailProvider string       `json:"mail_provider"`
	Gmail        GmailConfig  `json:"gmail"`
	IMAP         IMAPConfig   `json:"imap"`
	OpenAI       OpenAIConfig `json:"openai"`
	Notion       NotionConfig `json:"notion"`
	Redis        RedisConfig  `json:"redis"`
	SentryDSN    string       `json:"-"`
	LogLevel     string       `json:"log_level"`
	LogFormat    string       `json:"log_format"`

	DBDriver       string `json:"db_driver"`
	DatabaseURL    string `json:"-"`
	DBPath         string `json:"db_path"`
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	RemoteCallTimeout     time.Duration `json:"remote_call_timeout"`
	CompletionTimeout     time.Duration `json:"completion_timeout"`
	AutoProcessInterval   time.Duration `json:"auto_process_interval"`
	AutoProcessMaxResults int           `json:"auto_process_max_results"`
	RateLimitAI           int           `json:"rate_limit_ai"`
	CORSAllowedOrigins    []string      `json:"cors_allowed_origins"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:  getEnv("ENVIRONMENT", "development"),
		ServerPort:   getEnv("SERVER_PORT", "8000"),
		MailProvider: strings.ToLower(getEnv("MAIL_PROVIDER", ProviderGmail)),
		Gmail: GmailConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RefreshToken: getEnv("GOOGLE_REFRESH_TOKEN", ""),
		},
		IMAP: IMAPConfig{
			Host:       getEnv("IMAP_HOST", ""),
			Port:       getEnvAsInt("IMAP_PORT", 993),
			Username:   getEnv("IMAP_USERNAME", ""),
			Password:   getEnv("IMAP_PASSWORD", ""),
			Encryption: getEnv("IMAP_ENCRYPTION", "TLS"),
			Mailbox:    getEnv("IMAP_MAILBOX", "INBOX"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-3.5-turbo"),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
		},
		Notion: NotionConfig{
			Token:      getEnv("NOTION_TOKEN", ""),
			DatabaseID: getEnv("NOTION_DATABASE_ID", ""),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SentryDSN: getEnv("SENTRY_DSN", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		DBDriver:       strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DBPath:         getEnv("DB_PATH", "mailtriage.db"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailtriage"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		RemoteCallTimeout:     getEnvAsDuration("REMOTE_CALL_TIMEOUT", 30*time.Second),
		CompletionTimeout:     getEnvAsDuration("COMPLETION_TIMEOUT", 20*time.Second),
		AutoProcessInterval:   getEnvAsDuration("AUTO_PROCESS_INTERVAL", 0),
		AutoProcessMaxResults: getEnvAsInt("AUTO_PROCESS_MAX_RESULTS", 10),
		RateLimitAI:           getEnvAsInt("RATE_LIMIT_AI", 30),
		CORSAllowedOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS"),
	}

	if err := AppConfig.Validate(); err != nil {
		return err
	}

	logConfig()
	return nil
}

// Validate reports the first missing or invalid setting. Mailbox and
// task-tracker credentials are required up front.
func (c *Config) Validate() error {
	switch c.MailProvider {
	case ProviderGmail:
		if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" || c.Gmail.RefreshToken == "" {
			return fmt.Errorf("GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET and GOOGLE_REFRESH_TOKEN are required")
		}
	case ProviderIMAP:
		if c.IMAP.Host == "" || c.IMAP.Username == "" || c.IMAP.Password == "" {
			return fmt.Errorf("IMAP_HOST, IMAP_USERNAME and IMAP_PASSWORD are required")
		}
	default:
		return fmt.Errorf("unsupported MAIL_PROVIDER %q", c.MailProvider)
	}

	if c.Notion.Token == "" || c.Notion.DatabaseID == "" {
		return fmt.Errorf("NOTION_TOKEN and NOTION_DATABASE_ID are required")
	}

	switch c.DBDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" && c.DBPassword == "" {
			return fmt.Errorf("DATABASE_URL or DB_PASSWORD is required")
		}
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}

	if c.AutoProcessMaxResults < 1 || c.AutoProcessMaxResults > 100 {
		return fmt.Errorf("AUTO_PROCESS_MAX_RESULTS must be between 1 and 100")
	}
	return nil
}

// DSN returns the connection string for the configured driver.
func (c *Config) DSN() string {
	if c.DBDriver == DriverSQLite {
		return c.DBPath
	}
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost,
		c.DBPort,
		c.DBUser,
		c.DBPassword,
		c.DBName,
		c.DBSSLMode,
	)
}

func ConnectDB() (*gorm.DB, error) {
	log.Println("Attempting to connect to database...")

	dsn := AppConfig.DSN()
	log.Println("Using connection string:", maskPassword(dsn))

	db, err := Open(AppConfig.DBDriver, dsn)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}

	if AppConfig.DBDriver == DriverPostgres {
		sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
		sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetConnMaxIdleTime(30 * time.Minute)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	log.Println("✅ Successfully connected to the database")

	log.Println("🔄 Starting database migration...")
	if err := MigrateDB(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")

	DB = db
	return db, nil
}

// Open opens a GORM handle without migrating. Tests use it with the sqlite
// driver and ":memory:".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func MigrateDB(db *gorm.DB) error {
	if db.Dialector.Name() == DriverSQLite {
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	return db.AutoMigrate(
		&models.Email{},
		&models.Summary{},
		&models.ProcessedMessage{},
		&models.AutoProcessRun{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
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
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
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
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

func maskPassword(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		at := strings.LastIndex(dsn, "@")
		scheme := strings.Index(dsn, "://") + 3
		colon := strings.Index(dsn[scheme:], ":")
		if at == -1 || colon == -1 || scheme+colon > at {
			return dsn
		}
		return dsn[:scheme+colon+1] + "*****" + dsn[at:]
	}

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
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Mail provider: %s", AppConfig.MailProvider)
	log.Printf("Database driver: %s", AppConfig.DBDriver)
	log.Printf("Redis enabled: %t", AppConfig.Redis.Enabled)
	log.Printf("Completion model: %s (key set: %t)", AppConfig.OpenAI.Model, AppConfig.OpenAI.APIKey != "")
	log.Printf("Auto-process interval: %s", AppConfig.AutoProcessInterval)
}
