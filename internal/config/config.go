// Package config loads and saves wingsd's on-disk config.yml, the node
// identity/panel credential/archive-tunable bundle every other package
// is wired from at daemon startup (§6's "CLI-driven configuration
// bootstrap" external collaborator — the interactive wizard itself is
// out of scope, loading and writing the resulting file is not).
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/wingsd/wingsd/internal/archive"
)

// uuidDecodeHook teaches mapstructure (viper's decoder) how to turn a
// YAML string into a uuid.UUID; without it, Unmarshal leaves the field
// zero rather than erroring; the post-Unmarshal uuid.Nil check in Load
// still catches that case.
func uuidDecodeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(uuid.UUID{}) || from.Kind() != reflect.String {
		return data, nil
	}
	return uuid.Parse(data.(string))
}

// Config is the full on-disk shape of config.yml.
type Config struct {
	Debug bool `mapstructure:"debug"`

	UUID    uuid.UUID `mapstructure:"uuid"`
	TokenID string    `mapstructure:"token_id"`
	Token   string    `mapstructure:"token"`

	Remote        string `mapstructure:"remote"`         // panel base URL
	AllowInsecure bool   `mapstructure:"allow_insecure"` // skip TLS verification against Remote

	API struct {
		Listen string `mapstructure:"listen"` // websocket/status hub address
	} `mapstructure:"api"`

	SFTP struct {
		Listen      string `mapstructure:"listen"`
		HostKeyPath string `mapstructure:"host_key_path"`
	} `mapstructure:"sftp"`

	System struct {
		RootDirectory string `mapstructure:"root_directory"` // parent of every server's confined root
		BackupDir     string `mapstructure:"backup_directory"`
	} `mapstructure:"system"`

	Throttles struct {
		ReadLimitBS  int64 `mapstructure:"read_limit_bytes_per_second"`
		WriteLimitBS int64 `mapstructure:"write_limit_bytes_per_second"`
	} `mapstructure:"throttles"`

	CompressionLevel string   `mapstructure:"compression_level"` // best_speed|good_speed|good_compression|best_compression
	BackupAdapter    string   `mapstructure:"backup_adapter"`    // local|object_store|snapshot
	IgnoreOverrides  []string `mapstructure:"ignore_overrides"`

	Snapshot struct {
		Binary           string `mapstructure:"binary"` // defaults to "restic" when backup_adapter is snapshot
		Repository       string `mapstructure:"repository"`
		PasswordFile     string `mapstructure:"password_file"`
		RetryLockSeconds int    `mapstructure:"retry_lock_seconds"`
	} `mapstructure:"snapshot"`

	ActivityFlushInterval time.Duration `mapstructure:"activity_flush_interval"`
	MetricsListen         string        `mapstructure:"metrics_listen"` // empty disables the /metrics endpoint
}

// Default returns the configuration baseline applied before a config.yml
// is read, matching viper's "SetDefault then merge file on top" idiom.
func Default() *Config {
	cfg := &Config{}
	cfg.API.Listen = "0.0.0.0:8080"
	cfg.SFTP.Listen = "0.0.0.0:2022"
	cfg.SFTP.HostKeyPath = "/etc/wingsd/host.key"
	cfg.System.RootDirectory = "/var/lib/wingsd/servers"
	cfg.System.BackupDir = "/var/lib/wingsd/backups"
	cfg.CompressionLevel = "good_compression"
	cfg.BackupAdapter = "local"
	cfg.Snapshot.Binary = "restic"
	cfg.Snapshot.RetryLockSeconds = 60
	cfg.ActivityFlushInterval = 10 * time.Second
	return cfg
}

// Load reads path (YAML) into a Config seeded with Default's values, so
// an omitted field falls back to its default rather than the zero value.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("api.listen", def.API.Listen)
	v.SetDefault("sftp.listen", def.SFTP.Listen)
	v.SetDefault("sftp.host_key_path", def.SFTP.HostKeyPath)
	v.SetDefault("system.root_directory", def.System.RootDirectory)
	v.SetDefault("system.backup_directory", def.System.BackupDir)
	v.SetDefault("compression_level", def.CompressionLevel)
	v.SetDefault("backup_adapter", def.BackupAdapter)
	v.SetDefault("snapshot.binary", def.Snapshot.Binary)
	v.SetDefault("snapshot.retry_lock_seconds", def.Snapshot.RetryLockSeconds)
	v.SetDefault("activity_flush_interval", def.ActivityFlushInterval)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		uuidDecodeHook,
	))); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	if cfg.UUID == uuid.Nil {
		return nil, fmt.Errorf("config: %s: uuid is required", path)
	}
	if cfg.Remote == "" {
		return nil, fmt.Errorf("config: %s: remote is required", path)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("config: %s: token is required", path)
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML, overwriting any existing file. It
// backs `wingsd configure`, which fetches a node's bootstrap
// configuration from the panel and persists it locally (§6, grounded in
// the original's `Config::save_new`).
func Save(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("debug", cfg.Debug)
	v.Set("uuid", cfg.UUID.String())
	v.Set("token_id", cfg.TokenID)
	v.Set("token", cfg.Token)
	v.Set("remote", cfg.Remote)
	v.Set("allow_insecure", cfg.AllowInsecure)
	v.Set("api.listen", cfg.API.Listen)
	v.Set("sftp.listen", cfg.SFTP.Listen)
	v.Set("sftp.host_key_path", cfg.SFTP.HostKeyPath)
	v.Set("system.root_directory", cfg.System.RootDirectory)
	v.Set("system.backup_directory", cfg.System.BackupDir)
	v.Set("throttles.read_limit_bytes_per_second", cfg.Throttles.ReadLimitBS)
	v.Set("throttles.write_limit_bytes_per_second", cfg.Throttles.WriteLimitBS)
	v.Set("compression_level", cfg.CompressionLevel)
	v.Set("backup_adapter", cfg.BackupAdapter)
	v.Set("ignore_overrides", cfg.IgnoreOverrides)
	v.Set("snapshot.binary", cfg.Snapshot.Binary)
	v.Set("snapshot.repository", cfg.Snapshot.Repository)
	v.Set("snapshot.password_file", cfg.Snapshot.PasswordFile)
	v.Set("snapshot.retry_lock_seconds", cfg.Snapshot.RetryLockSeconds)
	v.Set("activity_flush_interval", cfg.ActivityFlushInterval)
	v.Set("metrics_listen", cfg.MetricsListen)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ParseCompressionLevel maps a config.yml level string onto
// archive.LevelPreset, defaulting to GoodCompression for an unrecognized
// or empty value rather than failing startup over a typo.
func ParseCompressionLevel(s string) archive.LevelPreset {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "best_speed":
		return archive.BestSpeed
	case "good_speed":
		return archive.GoodSpeed
	case "best_compression":
		return archive.BestCompression
	default:
		return archive.GoodCompression
	}
}
