package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Zitadel    ZitadelConfig
	Gateway    GatewayConfig
	RateLimit  RateLimitConfig
	AWS        AWSConfig
	Archive    ArchiveConfig
	Inspection InspectionConfig
	WebSocket  WebSocketConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	InspectionsPerHour int
}

// AWSConfig configures credential acquisition against customer accounts
type AWSConfig struct {
	Region          string
	SessionDuration int // seconds
	ExternalID      string
	STSRatePerSec   float64
	STSBurst        int
}

// ArchiveConfig configures the optional S3 copy of persisted results
type ArchiveConfig struct {
	Bucket string
	Region string
	Prefix string
}

type InspectionConfig struct {
	Retention       time.Duration
	MaxParallelJobs int
	PersistAttempts int
	Simulate        bool
}

type WebSocketConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CleanupGrace      time.Duration
	SendBuffer        int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.inspections_per_hour", "RATELIMIT_INSPECTIONS_PER_HOUR")
	_ = v.BindEnv("aws.region", "AWS_REGION")
	_ = v.BindEnv("aws.session_duration", "AWS_SESSION_DURATION")
	_ = v.BindEnv("aws.external_id", "AWS_EXTERNAL_ID")
	_ = v.BindEnv("aws.sts_rate_per_sec", "AWS_STS_RATE_PER_SEC")
	_ = v.BindEnv("aws.sts_burst", "AWS_STS_BURST")
	_ = v.BindEnv("archive.bucket", "ARCHIVE_BUCKET")
	_ = v.BindEnv("archive.region", "ARCHIVE_REGION")
	_ = v.BindEnv("archive.prefix", "ARCHIVE_PREFIX")
	_ = v.BindEnv("inspection.retention_seconds", "INSPECTION_RETENTION_SECONDS")
	_ = v.BindEnv("inspection.max_parallel_jobs", "INSPECTION_MAX_PARALLEL_JOBS")
	_ = v.BindEnv("inspection.persist_attempts", "INSPECTION_PERSIST_ATTEMPTS")
	_ = v.BindEnv("inspection.simulate", "INSPECTION_SIMULATE")
	_ = v.BindEnv("websocket.heartbeat_interval", "WS_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("websocket.heartbeat_timeout", "WS_HEARTBEAT_TIMEOUT")
	_ = v.BindEnv("websocket.cleanup_grace", "WS_CLEANUP_GRACE")
	_ = v.BindEnv("websocket.send_buffer", "WS_SEND_BUFFER")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.inspections_per_hour", 20)

	// AWS defaults
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.session_duration", 900)
	v.SetDefault("aws.sts_rate_per_sec", 5)
	v.SetDefault("aws.sts_burst", 10)

	// Archive defaults
	v.SetDefault("archive.prefix", "inspections")

	// Inspection defaults
	v.SetDefault("inspection.retention_seconds", 300)
	v.SetDefault("inspection.max_parallel_jobs", 0)
	v.SetDefault("inspection.persist_attempts", 2)
	v.SetDefault("inspection.simulate", false)

	// WebSocket defaults
	v.SetDefault("websocket.heartbeat_interval", "30s")
	v.SetDefault("websocket.heartbeat_timeout", "90s")
	v.SetDefault("websocket.cleanup_grace", "30s")
	v.SetDefault("websocket.send_buffer", 256)

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			InspectionsPerHour: v.GetInt("ratelimit.inspections_per_hour"),
		},
		AWS: AWSConfig{
			Region:          v.GetString("aws.region"),
			SessionDuration: v.GetInt("aws.session_duration"),
			ExternalID:      v.GetString("aws.external_id"),
			STSRatePerSec:   v.GetFloat64("aws.sts_rate_per_sec"),
			STSBurst:        v.GetInt("aws.sts_burst"),
		},
		Archive: ArchiveConfig{
			Bucket: v.GetString("archive.bucket"),
			Region: v.GetString("archive.region"),
			Prefix: v.GetString("archive.prefix"),
		},
		Inspection: InspectionConfig{
			Retention:       time.Duration(v.GetInt("inspection.retention_seconds")) * time.Second,
			MaxParallelJobs: v.GetInt("inspection.max_parallel_jobs"),
			PersistAttempts: v.GetInt("inspection.persist_attempts"),
			Simulate:        v.GetBool("inspection.simulate"),
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval: v.GetDuration("websocket.heartbeat_interval"),
			HeartbeatTimeout:  v.GetDuration("websocket.heartbeat_timeout"),
			CleanupGrace:      v.GetDuration("websocket.cleanup_grace"),
			SendBuffer:        v.GetInt("websocket.send_buffer"),
		},
	}

	if cfg.Archive.Region == "" {
		cfg.Archive.Region = cfg.AWS.Region
	}

	return cfg, nil
}
