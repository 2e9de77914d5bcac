package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"leadpilot/models"
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

type Config struct {
	Environment string `json:"environment"`

	// ========= Database =========
	DBDriver   string `json:"db_driver"` // postgres or sqlite
	DBHost     string `json:"db_host"`
	DBPort     string `json:"db_port"`
	DBUser     string `json:"db_user"`
	DBPassword string `json:"-"`
	DBName     string `json:"db_name"`
	DBSSLMode  string `json:"db_ssl_mode"`
	SQLitePath string `json:"sqlite_path"`

	// ========= Settings files =========
	SettingsDir string `json:"settings_dir"`
	CRMPath     string `json:"crm_path"`
	AuditPath   string `json:"audit_path"`

	// ========= Run scoping =========
	ClientName string `json:"client_name"`

	// ========= Reply watch =========
	ReplyPollMinutes   int  `json:"reply_poll_minutes"`
	LookbackHours      int  `json:"lookback_hours"`
	StrictOwnerMatch   bool `json:"strict_owner_match"`
	EnforceThreadMatch bool `json:"enforce_thread_match"`

	// ========= Follow-up scheduler =========
	FollowupTickMinutes int `json:"followup_tick_minutes"`
	SendJitterMinSecs   int `json:"send_jitter_min_secs"`
	SendJitterMaxSecs   int `json:"send_jitter_max_secs"`
	SendTimeoutSecs     int `json:"send_timeout_secs"`

	SentryDSN string `json:"-"`

	Redis RedisConfig `json:"redis"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		DBDriver:   getEnv("DB_DRIVER", "sqlite"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "leadpilot"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),
		SQLitePath: getEnv("SQLITE_PATH", "leadpilot_state.db"),

		SettingsDir: getEnv("SETTINGS_DIR", "settings"),
		CRMPath:     getEnv("CRM_PATH", "leads.csv"),
		AuditPath:   getEnv("AUDIT_PATH", "audit.log.jsonl"),

		ClientName: getEnv("CLIENT_NAME", ""),

		ReplyPollMinutes:   getEnvAsInt("REPLY_POLL_MINUTES", 5),
		LookbackHours:      getEnvAsInt("LOOKBACK_HOURS", 48),
		StrictOwnerMatch:   getEnvAsBool("STRICT_OWNER_MATCH", false),
		EnforceThreadMatch: getEnvAsBool("ENFORCE_THREAD_MATCH", false),

		FollowupTickMinutes: getEnvAsInt("FOLLOWUP_TICK_MINUTES", 30),
		SendJitterMinSecs:   getEnvAsInt("SEND_JITTER_MIN_SECS", 60),
		SendJitterMaxSecs:   getEnvAsInt("SEND_JITTER_MAX_SECS", 120),
		SendTimeoutSecs:     getEnvAsInt("SEND_TIMEOUT_SECS", 60),

		SentryDSN: getEnv("SENTRY_DSN", ""),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
	}

	// Validate required configurations
	if AppConfig.DBDriver == "postgres" && AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required when DB_DRIVER=postgres")
	}
	if AppConfig.SendJitterMaxSecs < AppConfig.SendJitterMinSecs {
		return fmt.Errorf("SEND_JITTER_MAX_SECS must be >= SEND_JITTER_MIN_SECS")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to state database...")

	var (
		dialector gorm.Dialector
		err       error
	)
	switch AppConfig.DBDriver {
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			AppConfig.DBHost,
			AppConfig.DBPort,
			AppConfig.DBUser,
			AppConfig.DBPassword,
			AppConfig.DBName,
			AppConfig.DBSSLMode,
		)
		log.Println("Using connection string:", maskPassword(dsn))
		dialector = postgres.Open(dsn)
	case "sqlite":
		log.Println("Using sqlite state database:", AppConfig.SQLitePath)
		dialector = sqlite.Open(AppConfig.SQLitePath)
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", AppConfig.DBDriver)
	}

	DB, err = gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

// MigrateDB creates the state tables. Exposed so tests can migrate an
// in-memory database the same way the process does.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.LeadState{},
		&models.ProcessedEvent{},
		&models.SentStep{},
		&models.SendCounter{},
		&models.InboxOffset{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := strings.ToLower(getEnv(key, ""))
	switch valueStr {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
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
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("State DB: %s", AppConfig.DBDriver)
	log.Printf("Settings dir: %s", AppConfig.SettingsDir)
	log.Printf("CRM file: %s", AppConfig.CRMPath)
	if AppConfig.ClientName != "" {
		log.Printf("Client scope: %s", AppConfig.ClientName)
	}
}
