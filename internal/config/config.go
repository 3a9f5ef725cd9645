package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Storage    StorageConfig
	Tracing    TracingConfig `mapstructure:"tracing"`
	Redis      RedisConfig
	Log        LogConfig        `mapstructure:"log"`
	CORS       CORSConfig       `mapstructure:"cors"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Session    SessionConfig    `mapstructure:"session"`
	Proctoring ProctoringConfig `mapstructure:"proctoring"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Lock       LockConfig       `mapstructure:"lock"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	MigrateOnly bool `mapstructure:"-"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

type ServerConfig struct {
	Port string
	Mode string
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DatabaseConfig struct {
	Driver    string `mapstructure:"driver"`
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
	SSLMode   string `mapstructure:"sslmode"`
	LogLevel  string `mapstructure:"log_level"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type StorageConfig struct {
	Type          string `mapstructure:"type"`
	LocalPath     string `mapstructure:"local_path"`
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	MinioAccessID string `mapstructure:"minio_access_key"`
	MinioSecret   string `mapstructure:"minio_secret_key"`
	MinioBucket   string `mapstructure:"minio_bucket"`
	MinioUseSSL   bool   `mapstructure:"minio_use_ssl"`
	ArchivePrefix string `mapstructure:"archive_prefix"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	FlagChannel  string `mapstructure:"flag_channel"`
	PublishFlags bool   `mapstructure:"publish_flags"`
}

// SessionConfig 考试会话的时间与并发策略
type SessionConfig struct {
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	DriftThreshold     time.Duration `mapstructure:"drift_threshold"`
	LockTimeout        time.Duration `mapstructure:"lock_timeout"`
	ConflictRetries    int           `mapstructure:"conflict_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	DefaultMaxWarnings int           `mapstructure:"default_max_warnings"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
}

type AnomalyRuleConfig struct {
	Type          string `mapstructure:"type"`
	Threshold     int    `mapstructure:"threshold"`
	WindowMinutes int    `mapstructure:"window_minutes"`
}

// ProctoringConfig 监考事件相关的大小与规则配置
type ProctoringConfig struct {
	MaxEventBytes   int                 `mapstructure:"max_event_bytes"`
	MaxPayloadBytes int                 `mapstructure:"max_payload_bytes"`
	BufferCapacity  int                 `mapstructure:"buffer_capacity"`
	Rules           []AnomalyRuleConfig `mapstructure:"rules"`
}

type SchedulerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	AutoSubmitInterval time.Duration `mapstructure:"auto_submit_interval"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	RetentionDays      int           `mapstructure:"retention_days"`
	BatchSize          int           `mapstructure:"batch_size"`
}

type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

func DefaultRules() []AnomalyRuleConfig {
	return []AnomalyRuleConfig{
		{Type: "MULTIPLE_IPS", Threshold: 3, WindowMinutes: 60},
		{Type: "RAPID_SWITCHES", Threshold: 10, WindowMinutes: 5},
		{Type: "FOCUS_LOSS", Threshold: 5, WindowMinutes: 2},
	}
}

func DefaultSession() SessionConfig {
	return SessionConfig{
		GracePeriod:        2 * time.Minute,
		DriftThreshold:     5 * time.Minute,
		LockTimeout:        3 * time.Second,
		ConflictRetries:    3,
		RetryDelay:         50 * time.Millisecond,
		DefaultMaxWarnings: 3,
		DefaultMaxAttempts: 1,
	}
}

func DefaultProctoring() ProctoringConfig {
	return ProctoringConfig{
		MaxEventBytes:   10000,
		MaxPayloadBytes: 65536,
		BufferCapacity:  200,
		Rules:           DefaultRules(),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")

	v.SetDefault("log.file", "logs/app.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.parsetime", true)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.flag_channel", "examguard:attempts:flagged")

	v.SetDefault("storage.type", "none")
	v.SetDefault("storage.archive_prefix", "attempts")

	session := DefaultSession()
	v.SetDefault("session.grace_period", session.GracePeriod)
	v.SetDefault("session.drift_threshold", session.DriftThreshold)
	v.SetDefault("session.lock_timeout", session.LockTimeout)
	v.SetDefault("session.conflict_retries", session.ConflictRetries)
	v.SetDefault("session.retry_delay", session.RetryDelay)
	v.SetDefault("session.default_max_warnings", session.DefaultMaxWarnings)
	v.SetDefault("session.default_max_attempts", session.DefaultMaxAttempts)

	proctoring := DefaultProctoring()
	v.SetDefault("proctoring.max_event_bytes", proctoring.MaxEventBytes)
	v.SetDefault("proctoring.max_payload_bytes", proctoring.MaxPayloadBytes)
	v.SetDefault("proctoring.buffer_capacity", proctoring.BufferCapacity)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.auto_submit_interval", time.Hour)
	v.SetDefault("scheduler.cleanup_interval", 24*time.Hour)
	v.SetDefault("scheduler.retention_days", 90)
	v.SetDefault("scheduler.batch_size", 100)

	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.ttl", 30*time.Second)

	v.SetDefault("rate_limit.max_requests", 600)
	v.SetDefault("rate_limit.window_minutes", 1)
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("EXAMGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Database
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")

	// JWT
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	v.BindEnv("server.mode", "SERVER_MODE")

	// Storage
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.minio_endpoint", "MINIO_ENDPOINT")
	v.BindEnv("storage.minio_access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("storage.minio_secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("storage.minio_bucket", "MINIO_BUCKET")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if len(cfg.Proctoring.Rules) == 0 {
		cfg.Proctoring.Rules = DefaultRules()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Type == "local" {
		if _, err := os.Stat(cfg.Storage.LocalPath); os.IsNotExist(err) {
			os.MkdirAll(cfg.Storage.LocalPath, 0755)
		}
	}

	return &cfg, nil
}

// Validate 校验会影响考试判定的关键配置
func (c *Config) Validate() error {
	// 生产环境校验 JWT Secret 强度
	if c.Server.Mode == "release" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(c.JWT.Secret))
	}
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("unsupported lock backend %q", c.Lock.Backend)
	}
	if c.Session.GracePeriod < 0 || c.Session.DriftThreshold <= 0 {
		return fmt.Errorf("session grace_period must be >= 0 and drift_threshold > 0")
	}
	if c.Session.LockTimeout <= 0 {
		return fmt.Errorf("session lock_timeout must be positive")
	}
	if c.Proctoring.MaxEventBytes <= 0 || c.Proctoring.MaxPayloadBytes < c.Proctoring.MaxEventBytes {
		return fmt.Errorf("proctoring max_payload_bytes must be >= max_event_bytes > 0")
	}
	if c.Proctoring.BufferCapacity <= 0 {
		return fmt.Errorf("proctoring buffer_capacity must be positive")
	}
	for _, r := range c.Proctoring.Rules {
		if r.Type == "" || r.Threshold <= 0 || r.WindowMinutes <= 0 {
			return fmt.Errorf("invalid anomaly rule %+v", r)
		}
	}
	return nil
}
