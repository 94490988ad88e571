package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL     MySQLConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	Migrate   bool
	HTTPAddr  string
	RemoteDB  RemoteDBConfig
	Inspector InspectorConfig
	Executor  ExecutorConfig
	Scheduler SchedulerConfig
	Lock      LockConfig
	Artifact  ArtifactConfig
	RabbitMQ  RabbitMQConfig
	Mail      MailConfig
	CORS      CORSConfig
}

// MySQLConfig holds the control-plane MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string // text, json
}

// RemoteDBConfig holds the account used to reach managed instances
type RemoteDBConfig struct {
	User     string
	Password string
}

// InspectorConfig holds syntax inspection policy
type InspectorConfig struct {
	TimeoutSec      int
	FailLevel       string // notice, warning, error
	MaxAffectedRows int64
	NoWhereLevel    string
	DropLevel       string
	TruncateLevel   string
}

// ExecutorConfig holds task execution policy
type ExecutorConfig struct {
	StatementTimeoutSec   int
	DDLContinueOnError    bool
	DMLContinueOnError    bool
	ExportContinueOnError bool
	ExportParallel        bool
	MaxParallel           int
	RecoverOnStart        bool
}

// SchedulerConfig holds cron specs of the background jobs
type SchedulerConfig struct {
	Enabled         bool
	InspectSpec     string
	ExecuteSpec     string
	CatalogSyncSpec string
	RecoverSpec     string
}

// LockConfig holds per-order lock configuration
type LockConfig struct {
	Backend string // redis, memory
	TTLSec  int
}

// ArtifactConfig holds export artifact storage configuration
type ArtifactConfig struct {
	LocalDir       string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// RabbitMQConfig holds order event bus configuration
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// MailConfig holds SMTP configuration for CC notifications
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// CORSConfig holds CORS configuration for the console
type CORSConfig struct {
	AllowOrigins []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "go_dbchange"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Migrate:  getEnv("MIGRATE", "0") == "1",
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		RemoteDB: RemoteDBConfig{
			User:     getEnv("REMOTE_DB_USER", ""),
			Password: getEnv("REMOTE_DB_PASS", ""),
		},
		Inspector: InspectorConfig{
			TimeoutSec:      getEnvInt("INSPECT_TIMEOUT_SEC", 600),
			FailLevel:       getEnv("INSPECT_FAIL_LEVEL", "error"),
			MaxAffectedRows: int64(getEnvInt("INSPECT_MAX_AFFECTED_ROWS", 10000)),
			NoWhereLevel:    getEnv("INSPECT_NO_WHERE_LEVEL", "warning"),
			DropLevel:       getEnv("INSPECT_DROP_LEVEL", "warning"),
			TruncateLevel:   getEnv("INSPECT_TRUNCATE_LEVEL", "warning"),
		},
		Executor: ExecutorConfig{
			StatementTimeoutSec:   getEnvInt("EXECUTOR_STATEMENT_TIMEOUT_SEC", 600),
			DDLContinueOnError:    getEnv("EXECUTOR_DDL_CONTINUE_ON_ERROR", "0") == "1",
			DMLContinueOnError:    getEnv("EXECUTOR_DML_CONTINUE_ON_ERROR", "0") == "1",
			ExportContinueOnError: getEnv("EXECUTOR_EXPORT_CONTINUE_ON_ERROR", "1") == "1",
			ExportParallel:        getEnv("EXECUTOR_EXPORT_PARALLEL", "0") == "1",
			MaxParallel:           getEnvInt("EXECUTOR_MAX_PARALLEL", 4),
			RecoverOnStart:        getEnv("EXECUTOR_RECOVER_ON_START", "1") == "1",
		},
		Scheduler: SchedulerConfig{
			Enabled:         getEnv("SCHEDULER_ENABLED", "1") == "1",
			InspectSpec:     getEnv("SCHEDULER_INSPECT_SPEC", "@every 10s"),
			ExecuteSpec:     getEnv("SCHEDULER_EXECUTE_SPEC", "@every 30s"),
			CatalogSyncSpec: getEnv("SCHEDULER_CATALOG_SYNC_SPEC", "0 */10 * * * *"),
			RecoverSpec:     getEnv("SCHEDULER_RECOVER_SPEC", "@every 1m"),
		},
		Lock: LockConfig{
			Backend: getEnv("LOCK_BACKEND", "redis"),
			TTLSec:  getEnvInt("LOCK_TTL_SEC", 30),
		},
		Artifact: ArtifactConfig{
			LocalDir:       getEnv("ARTIFACT_DIR", "./data/exports"),
			MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
			MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
			MinioBucket:    getEnv("MINIO_BUCKET", "dbchange-exports"),
			MinioUseSSL:    getEnv("MINIO_USE_SSL", "0") == "1",
		},
		RabbitMQ: RabbitMQConfig{
			URL:      getEnv("RABBITMQ_URL", ""),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "order_events"),
		},
		Mail: MailConfig{
			Host:     getEnv("MAIL_HOST", ""),
			Port:     getEnvInt("MAIL_PORT", 587),
			Username: getEnv("MAIL_USERNAME", ""),
			Password: getEnv("MAIL_PASSWORD", ""),
			From:     getEnv("MAIL_FROM", ""),
		},
		CORS: CORSConfig{
			AllowOrigins: splitList(getEnv("CORS_ALLOW_ORIGINS", "*")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.MySQL.DSN == "" {
		return fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch cfg.Lock.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("LOCK_BACKEND must be redis or memory, got %q", cfg.Lock.Backend)
	}
	for _, level := range []string{cfg.Inspector.FailLevel, cfg.Inspector.NoWhereLevel, cfg.Inspector.DropLevel, cfg.Inspector.TruncateLevel} {
		switch level {
		case "notice", "warning", "error":
		default:
			return fmt.Errorf("invalid inspector level %q", level)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_seconds", 86400) / 60,
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "go_dbchange"),
		},
		Log: LogConfig{
			Level:  getValue("LOG_LEVEL", "log", "level", "info"),
			Format: getValue("LOG_FORMAT", "log", "format", "text"),
		},
		Migrate:  getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr: getValue("HTTP_ADDR", "http", "addr", ":8080"),
		RemoteDB: RemoteDBConfig{
			User:     getValue("REMOTE_DB_USER", "remote_db", "user", ""),
			Password: getValue("REMOTE_DB_PASS", "remote_db", "password", ""),
		},
		Inspector: InspectorConfig{
			TimeoutSec:      getValueInt("INSPECT_TIMEOUT_SEC", "inspector", "timeout_sec", 600),
			FailLevel:       getValue("INSPECT_FAIL_LEVEL", "inspector", "fail_level", "error"),
			MaxAffectedRows: int64(getValueInt("INSPECT_MAX_AFFECTED_ROWS", "inspector", "max_affected_rows", 10000)),
			NoWhereLevel:    getValue("INSPECT_NO_WHERE_LEVEL", "inspector", "no_where_level", "warning"),
			DropLevel:       getValue("INSPECT_DROP_LEVEL", "inspector", "drop_level", "warning"),
			TruncateLevel:   getValue("INSPECT_TRUNCATE_LEVEL", "inspector", "truncate_level", "warning"),
		},
		Executor: ExecutorConfig{
			StatementTimeoutSec:   getValueInt("EXECUTOR_STATEMENT_TIMEOUT_SEC", "executor", "statement_timeout_sec", 600),
			DDLContinueOnError:    getValueBool("EXECUTOR_DDL_CONTINUE_ON_ERROR", "executor", "ddl_continue_on_error", false),
			DMLContinueOnError:    getValueBool("EXECUTOR_DML_CONTINUE_ON_ERROR", "executor", "dml_continue_on_error", false),
			ExportContinueOnError: getValueBool("EXECUTOR_EXPORT_CONTINUE_ON_ERROR", "executor", "export_continue_on_error", true),
			ExportParallel:        getValueBool("EXECUTOR_EXPORT_PARALLEL", "executor", "export_parallel", false),
			MaxParallel:           getValueInt("EXECUTOR_MAX_PARALLEL", "executor", "max_parallel", 4),
			RecoverOnStart:        getValueBool("EXECUTOR_RECOVER_ON_START", "executor", "recover_on_start", true),
		},
		Scheduler: SchedulerConfig{
			Enabled:         getValueBool("SCHEDULER_ENABLED", "scheduler", "enabled", true),
			InspectSpec:     getValue("SCHEDULER_INSPECT_SPEC", "scheduler", "inspect_spec", "@every 10s"),
			ExecuteSpec:     getValue("SCHEDULER_EXECUTE_SPEC", "scheduler", "execute_spec", "@every 30s"),
			CatalogSyncSpec: getValue("SCHEDULER_CATALOG_SYNC_SPEC", "scheduler", "catalog_sync_spec", "0 */10 * * * *"),
			RecoverSpec:     getValue("SCHEDULER_RECOVER_SPEC", "scheduler", "recover_spec", "@every 1m"),
		},
		Lock: LockConfig{
			Backend: getValue("LOCK_BACKEND", "lock", "backend", "redis"),
			TTLSec:  getValueInt("LOCK_TTL_SEC", "lock", "ttl_sec", 30),
		},
		Artifact: ArtifactConfig{
			LocalDir:       getValue("ARTIFACT_DIR", "artifact", "local_dir", "./data/exports"),
			MinioEndpoint:  getValue("MINIO_ENDPOINT", "minio", "endpoint", ""),
			MinioAccessKey: getValue("MINIO_ACCESS_KEY", "minio", "access_key", ""),
			MinioSecretKey: getValue("MINIO_SECRET_KEY", "minio", "secret_key", ""),
			MinioBucket:    getValue("MINIO_BUCKET", "minio", "bucket", "dbchange-exports"),
			MinioUseSSL:    getValueBool("MINIO_USE_SSL", "minio", "use_ssl", false),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      getValue("RABBITMQ_URL", "rabbitmq", "url", ""),
			Exchange: getValue("RABBITMQ_EXCHANGE", "rabbitmq", "exchange", "order_events"),
		},
		Mail: MailConfig{
			Host:     getValue("MAIL_HOST", "mail", "host", ""),
			Port:     getValueInt("MAIL_PORT", "mail", "port", 587),
			Username: getValue("MAIL_USERNAME", "mail", "username", ""),
			Password: getValue("MAIL_PASSWORD", "mail", "password", ""),
			From:     getValue("MAIL_FROM", "mail", "from", ""),
		},
		CORS: CORSConfig{
			AllowOrigins: splitList(getValue("CORS_ALLOW_ORIGINS", "cors", "allow_origins", "*")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
