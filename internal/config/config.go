package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Backend   BackendConfig   `mapstructure:"backend"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	S3        S3Config        `mapstructure:"s3"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Workers   WorkerConfig    `mapstructure:"workers"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	NodeID   int64  `mapstructure:"node_id"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type JWTConfig struct {
	SecretKey     string        `mapstructure:"secret_key"`
	AccessExpire  time.Duration `mapstructure:"access_expire"`
	RefreshExpire time.Duration `mapstructure:"refresh_expire"`
}

// BackendConfig 文档存储与文件存储选择
// Documents: memory | redis | postgres
// Blobs: memory | s3
type BackendConfig struct {
	Documents string `mapstructure:"documents"`
	Blobs     string `mapstructure:"blobs"`
	SeedFile  string `mapstructure:"seed_file"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN PostgreSQL 连接串
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr Redis 地址
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

type PresenceConfig struct {
	ActiveWindow time.Duration `mapstructure:"active_window"`
}

type TypingConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
}

type ReconcileConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type WorkerConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
}

// Load 加载配置
// 先读取 .env（不存在时忽略），再读取 YAML，最后由环境变量覆盖
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "im-realtime")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.node_id", 1)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("server.send_buffer", 64)

	v.SetDefault("jwt.access_expire", 2*time.Hour)
	v.SetDefault("jwt.refresh_expire", 7*24*time.Hour)

	v.SetDefault("backend.documents", "memory")
	v.SetDefault("backend.blobs", "memory")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.subject_prefix", "im.doc")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "im")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 50)

	v.SetDefault("s3.region", "us-east-1")

	v.SetDefault("presence.active_window", 5*time.Minute)
	v.SetDefault("typing.idle_timeout", 3*time.Second)
	v.SetDefault("typing.stale_after", 0)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.schedule", "@every 10m")

	v.SetDefault("workers.size", 8)
	v.SetDefault("workers.queue_size", 1024)
}

// applyEnv 从环境变量覆盖配置
func (c *Config) applyEnv() {
	// App
	c.App.LogLevel = GetEnv("LOG_LEVEL", c.App.LogLevel)
	c.App.NodeID = int64(GetEnvInt("NODE_ID", int(c.App.NodeID)))

	// Server
	c.Server.Port = GetEnvInt("REALTIME_PORT", c.Server.Port)
	c.Server.Mode = GetEnv("GIN_MODE", c.Server.Mode)
	c.Server.AllowedOrigins = GetEnvList("ALLOWED_ORIGINS", c.Server.AllowedOrigins)

	// JWT
	c.JWT.SecretKey = GetEnv("JWT_SECRET", c.JWT.SecretKey)
	c.JWT.AccessExpire = GetEnvDuration("JWT_ACCESS_EXPIRE", c.JWT.AccessExpire)
	c.JWT.RefreshExpire = GetEnvDuration("JWT_REFRESH_EXPIRE", c.JWT.RefreshExpire)

	// Backend
	c.Backend.Documents = GetEnv("DOCUMENT_BACKEND", c.Backend.Documents)
	c.Backend.Blobs = GetEnv("BLOB_BACKEND", c.Backend.Blobs)
	c.Backend.SeedFile = GetEnv("SEED_FILE", c.Backend.SeedFile)

	// NATS
	c.NATS.URL = GetEnv("NATS_URL", c.NATS.URL)

	// Database
	c.Database.Host = GetEnv("POSTGRES_HOST", c.Database.Host)
	c.Database.Port = GetEnvInt("POSTGRES_PORT", c.Database.Port)
	c.Database.User = GetEnv("POSTGRES_USER", c.Database.User)
	c.Database.Password = GetEnv("POSTGRES_PASSWORD", c.Database.Password)
	c.Database.Name = GetEnv("POSTGRES_DB", c.Database.Name)
	c.Database.MaxOpenConns = GetEnvInt("POSTGRES_MAX_OPEN_CONNS", c.Database.MaxOpenConns)

	// Redis
	c.Redis.Host = GetEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = GetEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = GetEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = GetEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = GetEnvInt("REDIS_POOL_SIZE", c.Redis.PoolSize)

	// S3
	c.S3.Bucket = GetEnv("S3_BUCKET", c.S3.Bucket)
	c.S3.Region = GetEnv("AWS_REGION", c.S3.Region)
	c.S3.Endpoint = GetEnv("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKeyID = GetEnv("AWS_ACCESS_KEY_ID", c.S3.AccessKeyID)
	c.S3.SecretAccessKey = GetEnv("AWS_SECRET_ACCESS_KEY", c.S3.SecretAccessKey)
	c.S3.PublicBaseURL = GetEnv("S3_PUBLIC_BASE_URL", c.S3.PublicBaseURL)
	c.S3.UsePathStyle = GetEnvBool("S3_USE_PATH_STYLE", c.S3.UsePathStyle)

	// Presence / Typing
	c.Presence.ActiveWindow = GetEnvDuration("PRESENCE_ACTIVE_WINDOW", c.Presence.ActiveWindow)
	c.Typing.IdleTimeout = GetEnvDuration("TYPING_IDLE_TIMEOUT", c.Typing.IdleTimeout)
	c.Typing.StaleAfter = GetEnvDuration("TYPING_STALE_AFTER", c.Typing.StaleAfter)

	// Reconcile
	c.Reconcile.Enabled = GetEnvBool("RECONCILE_ENABLED", c.Reconcile.Enabled)
	c.Reconcile.Schedule = GetEnv("RECONCILE_SCHEDULE", c.Reconcile.Schedule)
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Backend.Documents {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown document backend %q", c.Backend.Documents)
	}
	switch c.Backend.Blobs {
	case "memory", "s3":
	default:
		return fmt.Errorf("unknown blob backend %q", c.Backend.Blobs)
	}
	if c.Backend.Blobs == "s3" && c.S3.Bucket == "" {
		return fmt.Errorf("s3 blob backend requires s3.bucket")
	}
	if c.Typing.IdleTimeout <= 0 {
		return fmt.Errorf("typing.idle_timeout must be positive")
	}
	if c.Presence.ActiveWindow <= 0 {
		return fmt.Errorf("presence.active_window must be positive")
	}
	return nil
}
