package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"sftpflow/pkg/conflict"
	"sftpflow/pkg/params"
	"sftpflow/pkg/s3"
)

type Config struct {
	Redis        RedisConfig        `mapstructure:"redis" validate:"required"`
	Daemon       DaemonConfig       `mapstructure:"daemon" validate:"required"`
	HTTP         HTTPConfig         `mapstructure:"http" validate:"required"`
	Asynqmon     AsynqmonConfig     `mapstructure:"asynqmon" validate:"required"`
	Listing      ListingConfig      `mapstructure:"listing" validate:"required"`
	Transfer     TransferConfig     `mapstructure:"transfer" validate:"required"`
	Watermark    WatermarkConfig    `mapstructure:"watermark" validate:"required"`
	Content      ContentConfig      `mapstructure:"content" validate:"required"`
	Coordination CoordinationConfig `mapstructure:"coordination" validate:"required"`
	Provenance   ProvenanceConfig   `mapstructure:"provenance" validate:"required"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0,max=15"`
}

type DaemonConfig struct {
	LogLevel    string `mapstructure:"log_level" validate:"required,oneof=debug info warn error fatal"`
	Concurrency int    `mapstructure:"concurrency" validate:"min=1,max=64"`
	NodeID      string `mapstructure:"node_id"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

type AsynqmonConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	RootPath       string `mapstructure:"root_path" validate:"required"`
	ReadOnlyMode   bool   `mapstructure:"read_only_mode"`
	PrometheusAddr string `mapstructure:"prometheus_addr" validate:"omitempty,hostname_port"`
}

// ConnectionConfig holds connection templates. Every string may contain
// ${attribute} placeholders resolved per record.
type ConnectionConfig struct {
	Host                  string `mapstructure:"host" validate:"required"`
	Port                  string `mapstructure:"port"`
	Username              string `mapstructure:"username" validate:"required"`
	Password              string `mapstructure:"password"`
	PrivateKey            string `mapstructure:"private_key"`
	RemotePath            string `mapstructure:"remote_path"`
	ConnectionTimeout     string `mapstructure:"connection_timeout"`
	StrictHostKeyChecking bool   `mapstructure:"strict_host_key_checking"`
	KnownHostsFile        string `mapstructure:"known_hosts_file" validate:"required_if=StrictHostKeyChecking true"`
}

func (c ConnectionConfig) Template() params.Template {
	return params.Template{
		Host:                  c.Host,
		Port:                  c.Port,
		Username:              c.Username,
		Password:              c.Password,
		PrivateKey:            c.PrivateKey,
		RemotePath:            c.RemotePath,
		ConnectionTimeout:     c.ConnectionTimeout,
		StrictHostKeyChecking: c.StrictHostKeyChecking,
		KnownHostsFile:        c.KnownHostsFile,
	}
}

type ListingConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	Schedule   string           `mapstructure:"schedule" validate:"required"`
	Filter     string           `mapstructure:"filter"`
	Connection ConnectionConfig `mapstructure:"connection"`
}

type TransferConfig struct {
	Enabled            bool             `mapstructure:"enabled"`
	Schedule           string           `mapstructure:"schedule" validate:"required"`
	ConflictResolution string           `mapstructure:"conflict_resolution" validate:"required"`
	RejectZeroByte     bool             `mapstructure:"reject_zero_byte"`
	BatchSize          int              `mapstructure:"batch_size" validate:"min=1,max=100000"`
	CreateDirectories  bool             `mapstructure:"create_directories"`
	DotRename          bool             `mapstructure:"dot_rename"`
	RetryFailures      bool             `mapstructure:"retry_failures"`
	Connection         ConnectionConfig `mapstructure:"connection"`
}

func (c TransferConfig) Policy() conflict.Policy {
	policy, _ := conflict.ParsePolicy(c.ConflictResolution)
	return policy
}

type WatermarkConfig struct {
	Type string     `mapstructure:"type" validate:"required,oneof=redis sql memory"`
	SQL  *SQLConfig `mapstructure:"sql"`
}

type SQLConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres sqlite3"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type ContentConfig struct {
	LocalEnabled bool       `mapstructure:"local_enabled"`
	S3           *s3.Config `mapstructure:"s3"`
}

type CoordinationConfig struct {
	PenaltySeconds        int   `mapstructure:"penalty_seconds" validate:"min=0,max=86400"`
	YieldSeconds          int   `mapstructure:"yield_seconds" validate:"min=0,max=3600"`
	BackpressureThreshold int64 `mapstructure:"backpressure_threshold" validate:"min=0"`
	LeaseSeconds          int   `mapstructure:"lease_seconds" validate:"min=1,max=3600"`
	RecoverAfterSeconds   int   `mapstructure:"recover_after_seconds" validate:"min=1"`
}

func (c CoordinationConfig) Penalty() time.Duration {
	return time.Duration(c.PenaltySeconds) * time.Second
}

func (c CoordinationConfig) Yield() time.Duration {
	return time.Duration(c.YieldSeconds) * time.Second
}

func (c CoordinationConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

func (c CoordinationConfig) RecoverAfter() time.Duration {
	return time.Duration(c.RecoverAfterSeconds) * time.Second
}

type ProvenanceConfig struct {
	Stream string `mapstructure:"stream" validate:"required"`
	MaxLen int64  `mapstructure:"max_len" validate:"min=0"`
}

func LoadFromFile(filename string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(filename)
	v.SetConfigType("toml")

	v.SetEnvPrefix("SFTPFLOW")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("daemon.log_level", "info")
	v.SetDefault("daemon.concurrency", 4)
	v.SetDefault("daemon.node_id", "")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("asynqmon.enabled", true)
	v.SetDefault("asynqmon.root_path", "/monitoring")
	v.SetDefault("asynqmon.read_only_mode", false)
	v.SetDefault("asynqmon.prometheus_addr", "")

	v.SetDefault("listing.enabled", false)
	v.SetDefault("listing.schedule", "@every 30s")
	v.SetDefault("listing.connection.port", "22")
	v.SetDefault("listing.connection.connection_timeout", "5000")
	v.SetDefault("listing.connection.strict_host_key_checking", false)

	v.SetDefault("transfer.enabled", false)
	v.SetDefault("transfer.schedule", "@every 5s")
	v.SetDefault("transfer.conflict_resolution", string(conflict.PolicyNone))
	v.SetDefault("transfer.reject_zero_byte", false)
	v.SetDefault("transfer.batch_size", 500)
	v.SetDefault("transfer.create_directories", false)
	v.SetDefault("transfer.dot_rename", true)
	v.SetDefault("transfer.retry_failures", false)
	v.SetDefault("transfer.connection.port", "22")
	v.SetDefault("transfer.connection.connection_timeout", "5000")
	v.SetDefault("transfer.connection.strict_host_key_checking", false)

	v.SetDefault("watermark.type", "redis")

	v.SetDefault("content.local_enabled", true)

	v.SetDefault("coordination.penalty_seconds", 30)
	v.SetDefault("coordination.yield_seconds", 1)
	v.SetDefault("coordination.backpressure_threshold", 10000)
	v.SetDefault("coordination.lease_seconds", 60)
	v.SetDefault("coordination.recover_after_seconds", 15*60)

	v.SetDefault("provenance.stream", "sftpflow:provenance")
	v.SetDefault("provenance.max_len", 100000)
}

func validateConfig(config *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	// Sections that only matter when enabled are validated below.
	if err := validate.StructExcept(config, "Listing.Connection", "Transfer.Connection", "Watermark.SQL", "Content.S3"); err != nil {
		return err
	}

	if _, err := conflict.ParsePolicy(config.Transfer.ConflictResolution); err != nil {
		return err
	}

	if config.Listing.Enabled {
		if err := validate.Struct(config.Listing.Connection); err != nil {
			return fmt.Errorf("listing connection: %w", err)
		}
		if config.Listing.Connection.RemotePath == "" {
			return fmt.Errorf("listing connection: remote_path is required")
		}
	}

	if config.Transfer.Enabled {
		if err := validate.Struct(config.Transfer.Connection); err != nil {
			return fmt.Errorf("transfer connection: %w", err)
		}
	}

	if config.Watermark.Type == "sql" {
		if config.Watermark.SQL == nil {
			return fmt.Errorf("sql configuration is required when watermark type is 'sql'")
		}
		if err := validate.Struct(config.Watermark.SQL); err != nil {
			return err
		}
	}

	if config.Content.S3 != nil {
		if err := validate.Struct(config.Content.S3); err != nil {
			return err
		}
	}

	return nil
}
