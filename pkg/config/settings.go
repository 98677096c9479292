package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tengil/tengil/pkg/telemetry"
)

const (
	// DefaultSettingsDir holds settings.yaml when --settings is not given.
	DefaultSettingsDir = "/etc/tengil"

	// EnvPrefix prefixes every settings environment variable (TG_STATE_DIR, ...).
	EnvPrefix = "TG"
)

// Settings configures the tool itself, as opposed to the document which
// describes the host.
type Settings struct {
	StateDir            string        `mapstructure:"state_dir" validate:"required"`
	HistoryDB           string        `mapstructure:"history_db"`
	Parallelism         int           `mapstructure:"parallelism" validate:"min=1,max=64"`
	ActionTimeout       time.Duration `mapstructure:"action_timeout" validate:"min=1s"`
	CheckpointThreshold int           `mapstructure:"checkpoint_threshold" validate:"min=0"`
	AutoAcceptSafeDrift bool          `mapstructure:"auto_accept_safe_drift"`
	CheckpointsKept     int           `mapstructure:"checkpoints_kept" validate:"min=1"`
	PolicyPaths         []string      `mapstructure:"policy_paths"`
	ProtectedPools      []string      `mapstructure:"protected_pools"`
	ProtectedContainers []string      `mapstructure:"protected_containers"`
	Mock                bool          `mapstructure:"mock"`

	Backends BackendSettings `mapstructure:"backends"`
	Remote   RemoteSettings  `mapstructure:"remote"`
	Logging  LogSettings     `mapstructure:"logging"`
	Tracing  TraceSettings   `mapstructure:"tracing"`
	Metrics  MetricSettings  `mapstructure:"metrics"`

	// File is the settings file that was read, empty when only defaults
	// and environment were used.
	File string `mapstructure:"-"`
}

// BackendSettings locates the host tools' configuration.
type BackendSettings struct {
	SMBConf          string        `mapstructure:"smb_conf"`
	NFSExports       string        `mapstructure:"nfs_exports"`
	Storage          string        `mapstructure:"storage"`
	TemplateStorage  string        `mapstructure:"template_storage"`
	ImageCacheDir    string        `mapstructure:"image_cache_dir"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	PropertyCacheTTL time.Duration `mapstructure:"property_cache_ttl"`
}

// RemoteSettings points tg at a host over SSH. An empty Host manages the
// local machine.
type RemoteSettings struct {
	// Host is "[user@]host[:port]".
	Host           string        `mapstructure:"host"`
	Auth           string        `mapstructure:"auth" validate:"oneof=key agent password"`
	PrivateKey     string        `mapstructure:"private_key"`
	Password       string        `mapstructure:"password"`
	KnownHosts     string        `mapstructure:"known_hosts"`
	StrictHostKey  bool          `mapstructure:"strict_host_key"`
	Sudo           bool          `mapstructure:"sudo"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"min=1s"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

// LogSettings mirrors telemetry.LoggingConfig.
type LogSettings struct {
	Level      string `mapstructure:"level" validate:"oneof=trace debug info warn error fatal"`
	Format     string `mapstructure:"format" validate:"oneof=console json"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TraceSettings mirrors the useful part of telemetry.TracingConfig.
type TraceSettings struct {
	Enabled  bool    `mapstructure:"enabled"`
	Exporter string  `mapstructure:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint string  `mapstructure:"endpoint"`
	Insecure bool    `mapstructure:"insecure"`
	Sampling float64 `mapstructure:"sampling" validate:"min=0,max=1"`
}

// MetricSettings mirrors telemetry.MetricsConfig.
type MetricSettings struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", "/var/lib/tengil")
	v.SetDefault("history_db", "")
	v.SetDefault("parallelism", 4)
	v.SetDefault("action_timeout", "10m")
	v.SetDefault("checkpoint_threshold", 20)
	v.SetDefault("auto_accept_safe_drift", true)
	v.SetDefault("checkpoints_kept", 10)
	v.SetDefault("policy_paths", []string{})
	v.SetDefault("protected_pools", []string{"rpool"})
	v.SetDefault("protected_containers", []string{})
	v.SetDefault("mock", false)

	v.SetDefault("backends.smb_conf", "/etc/samba/smb.conf")
	v.SetDefault("backends.nfs_exports", "/etc/exports.d/tengil.exports")
	v.SetDefault("backends.storage", "local-lvm")
	v.SetDefault("backends.template_storage", "local")
	v.SetDefault("backends.image_cache_dir", "/var/lib/vz/template/cache")
	v.SetDefault("backends.stop_timeout", "60s")
	v.SetDefault("backends.property_cache_ttl", "30s")

	v.SetDefault("remote.host", "")
	v.SetDefault("remote.auth", "key")
	v.SetDefault("remote.private_key", "")
	v.SetDefault("remote.password", "")
	v.SetDefault("remote.known_hosts", "")
	v.SetDefault("remote.strict_host_key", true)
	v.SetDefault("remote.sudo", false)
	v.SetDefault("remote.connect_timeout", "30s")
	v.SetDefault("remote.keep_alive", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sampling", 1.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_address", "")
}

// LoadSettings reads settings from path, or from settings.yaml in
// DefaultSettingsDir when path is empty. A missing default file is not an
// error; a missing explicit file is. TG_* environment variables override
// both (TG_PARALLELISM, TG_LOGGING_LEVEL, ...).
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(DefaultSettingsDir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	s.File = v.ConfigFileUsed()
	if s.HistoryDB == "" {
		s.HistoryDB = filepath.Join(s.StateDir, "history.db")
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks setting ranges.
func (s *Settings) Validate() error {
	if err := newValidator().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", convertValidatorErrors(s.File, err))
	}
	if s.Tracing.Enabled && s.Tracing.Exporter == "otlp" && s.Tracing.Endpoint == "" {
		return fmt.Errorf("invalid settings: otlp exporter requires tracing.endpoint")
	}
	return nil
}

// Telemetry builds the telemetry configuration these settings describe.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Logging.Level = s.Logging.Level
	cfg.Logging.Format = s.Logging.Format
	cfg.Logging.Output = s.Logging.Output
	cfg.Logging.MaxSizeMB = s.Logging.MaxSizeMB
	cfg.Logging.MaxBackups = s.Logging.MaxBackups
	cfg.Logging.MaxAgeDays = s.Logging.MaxAgeDays
	cfg.Logging.Compress = s.Logging.Compress

	cfg.Tracing.Enabled = s.Tracing.Enabled
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.Insecure = s.Tracing.Insecure
	cfg.Tracing.SamplingRate = s.Tracing.Sampling

	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.ListenAddress
	return cfg
}
