package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes environment overrides, e.g. TASKSERVICE_DEVICE_ID
const EnvPrefix = "TASKSERVICE"

// Config is the agent configuration
type Config struct {
	DeviceID      string              `mapstructure:"device_id"`
	SubjectPrefix string              `mapstructure:"subject_prefix"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Store         StoreConfig         `mapstructure:"store"`
	Service       ServiceConfig       `mapstructure:"service"`
	Permission    PermissionConfig    `mapstructure:"permission"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Tasks         TasksConfig         `mapstructure:"tasks"`
	Logging       LoggingConfig       `mapstructure:"logging"`

	v *viper.Viper
}

// NATSConfig configures the command transport
type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	Auth           AuthConfig    `mapstructure:"auth"`
	TLS            TLSConfig     `mapstructure:"tls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig selects how the agent authenticates to NATS
type AuthConfig struct {
	Type       string           `mapstructure:"type"` // none, token, userpass, creds, pocketbase
	Token      string           `mapstructure:"token"`
	Username   string           `mapstructure:"username"`
	Password   string           `mapstructure:"password"`
	CredsFile  string           `mapstructure:"creds_file"`
	PocketBase PocketBaseConfig `mapstructure:"pocketbase"`
}

// PocketBaseConfig locates the device's credentials record for bootstrap
type PocketBaseConfig struct {
	URL            string `mapstructure:"url"`
	AuthCollection string `mapstructure:"auth_collection"`
	Identity       string `mapstructure:"identity"`
	PasswordEnv    string `mapstructure:"password_env"`
	Collection     string `mapstructure:"collection"`
	DeviceIDField  string `mapstructure:"device_id_field"`
	CredsField     string `mapstructure:"creds_field"`
}

// TLSConfig configures TLS for the NATS connection
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// StoreConfig selects where task options are persisted
type StoreConfig struct {
	Backend string      `mapstructure:"backend"` // file, redis, nats
	File    string      `mapstructure:"file"`
	Redis   RedisConfig `mapstructure:"redis"`
	NATS    KVConfig    `mapstructure:"nats"`
}

// RedisConfig configures the Redis option store
type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	Key      string   `mapstructure:"key"`
}

// KVConfig configures the NATS key/value option store
type KVConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// ServiceConfig configures the OS service and the task runner
type ServiceConfig struct {
	Name         string        `mapstructure:"name"`
	DisplayName  string        `mapstructure:"display_name"`
	Description  string        `mapstructure:"description"`
	Capability   string        `mapstructure:"capability"` // auto, supported, unsupported
	ResumeOnBoot bool          `mapstructure:"resume_on_boot"`
	MinInterval  time.Duration `mapstructure:"min_interval"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

// PermissionConfig selects the notification permission gateway
type PermissionConfig struct {
	Mode          string        `mapstructure:"mode"` // granted, denied, unsupported, remote
	PromptTimeout time.Duration `mapstructure:"prompt_timeout"`
}

// NotificationsConfig selects where the anchoring notification goes
type NotificationsConfig struct {
	Transport string `mapstructure:"transport"` // nats, log
}

// TasksConfig configures the built-in task bodies
type TasksConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig configures the metrics task collector
type MetricsConfig struct {
	Source      string `mapstructure:"source"` // builtin, exporter
	ExporterURL string `mapstructure:"exporter_url"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads the configuration file at path, applies defaults and
// environment overrides, and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.v = v
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// WatchLogLevel follows changes of logging.level in the configuration file
// and applies them to level. Other keys take effect on restart.
func (c *Config) WatchLogLevel(level zap.AtomicLevel, logger *zap.Logger) {
	if c.v == nil {
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		text := c.v.GetString("logging.level")
		next, err := zapcore.ParseLevel(text)
		if err != nil {
			logger.Warn("Ignoring invalid log level from config change",
				zap.String("file", e.Name),
				zap.String("level", text))
			return
		}
		if next != level.Level() {
			level.SetLevel(next)
			logger.Info("Log level changed", zap.String("level", next.String()))
		}
	})
	c.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("subject_prefix", "agents")

	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.auth.type", "none")
	v.SetDefault("nats.auth.pocketbase.auth_collection", "users")
	v.SetDefault("nats.auth.pocketbase.password_env", "TASKSERVICE_PB_PASSWORD")
	v.SetDefault("nats.auth.pocketbase.device_id_field", "device_id")
	v.SetDefault("nats.auth.pocketbase.creds_field", "creds")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.drain_timeout", 30*time.Second)
	v.SetDefault("nats.request_timeout", 5*time.Second)

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.redis.key", "taskservice:options")
	v.SetDefault("store.nats.bucket", "taskservice_options")

	v.SetDefault("service.name", "taskservice")
	v.SetDefault("service.display_name", "Task Service")
	v.SetDefault("service.description", "Runs the background task and its anchoring notification")
	v.SetDefault("service.capability", "auto")
	v.SetDefault("service.resume_on_boot", true)
	v.SetDefault("service.min_interval", 100*time.Millisecond)
	v.SetDefault("service.stop_timeout", 10*time.Second)

	v.SetDefault("permission.mode", "granted")
	v.SetDefault("permission.prompt_timeout", 2*time.Minute)

	v.SetDefault("notifications.transport", "nats")

	v.SetDefault("tasks.metrics.source", "builtin")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	UpdateConfigDefaults(v)
}

var (
	deviceIDPattern     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	subjectTokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func validate(cfg *Config) error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if !deviceIDPattern.MatchString(cfg.DeviceID) {
		return fmt.Errorf("device_id must contain only alphanumeric characters, dashes, and underscores")
	}

	if cfg.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if len(cfg.SubjectPrefix) > 50 {
		return fmt.Errorf("subject_prefix must not exceed 50 characters")
	}
	if err := validateSubjectPrefix(cfg.SubjectPrefix); err != nil {
		return err
	}

	if err := validateNATS(&cfg.NATS); err != nil {
		return err
	}
	if err := validateStore(&cfg.Store); err != nil {
		return err
	}
	if err := validateService(&cfg.Service); err != nil {
		return err
	}

	switch cfg.Permission.Mode {
	case "granted", "denied", "unsupported":
	case "remote":
		if cfg.Permission.PromptTimeout <= 0 {
			return fmt.Errorf("permission.prompt_timeout must be positive for remote mode")
		}
	default:
		return fmt.Errorf("invalid permission.mode: %s (must be granted, denied, unsupported, or remote)", cfg.Permission.Mode)
	}

	switch cfg.Notifications.Transport {
	case "nats", "log":
	default:
		return fmt.Errorf("invalid notifications.transport: %s (must be nats or log)", cfg.Notifications.Transport)
	}

	switch cfg.Tasks.Metrics.Source {
	case "builtin":
	case "exporter":
		if cfg.Tasks.Metrics.ExporterURL == "" {
			return fmt.Errorf("tasks.metrics.exporter_url is required for exporter source")
		}
	default:
		return fmt.Errorf("invalid tasks.metrics.source: %s (must be builtin or exporter)", cfg.Tasks.Metrics.Source)
	}

	return validateLogging(&cfg.Logging)
}

// validateSubjectPrefix checks that prefix is one or more dot-separated NATS
// subject tokens without wildcards
func validateSubjectPrefix(prefix string) error {
	if strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return fmt.Errorf("subject_prefix cannot start or end with a dot")
	}
	if strings.Contains(prefix, "..") {
		return fmt.Errorf("subject_prefix: consecutive dots not allowed")
	}
	for _, token := range strings.Split(prefix, ".") {
		if !subjectTokenPattern.MatchString(token) {
			return fmt.Errorf("subject_prefix token %q contains invalid characters", token)
		}
	}
	return nil
}

func validateNATS(cfg *NATSConfig) error {
	if len(cfg.URLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}

	switch cfg.Auth.Type {
	case "none":
	case "token":
		if cfg.Auth.Token == "" {
			return fmt.Errorf("NATS token is required for token auth")
		}
	case "userpass":
		if cfg.Auth.Username == "" || cfg.Auth.Password == "" {
			return fmt.Errorf("NATS username and password are required for userpass auth")
		}
	case "creds":
		if cfg.Auth.CredsFile == "" {
			return fmt.Errorf("NATS creds_file is required for creds auth")
		}
	case "pocketbase":
		pb := cfg.Auth.PocketBase
		if cfg.Auth.CredsFile == "" {
			return fmt.Errorf("NATS creds_file is required for pocketbase auth")
		}
		if pb.URL == "" || pb.Identity == "" || pb.Collection == "" {
			return fmt.Errorf("pocketbase url, identity and collection are required for pocketbase auth")
		}
	default:
		return fmt.Errorf("invalid auth type: %s", cfg.Auth.Type)
	}

	if cfg.TLS.Enabled {
		if err := validateTLS(&cfg.TLS); err != nil {
			return err
		}
	}
	return nil
}

func validateTLS(cfg *TLSConfig) error {
	if cfg.CertFile != "" && cfg.KeyFile == "" {
		return fmt.Errorf("TLS key_file is required when cert_file is set")
	}
	if cfg.KeyFile != "" && cfg.CertFile == "" {
		return fmt.Errorf("TLS cert_file is required when key_file is set")
	}
	if cfg.CertFile != "" {
		if _, err := os.Stat(cfg.CertFile); err != nil {
			return fmt.Errorf("TLS certificate file not found: %s", cfg.CertFile)
		}
		if _, err := os.Stat(cfg.KeyFile); err != nil {
			return fmt.Errorf("TLS key file not found: %s", cfg.KeyFile)
		}
	}
	if cfg.CAFile != "" {
		if _, err := os.Stat(cfg.CAFile); err != nil {
			return fmt.Errorf("TLS CA file not found: %s", cfg.CAFile)
		}
	}
	return nil
}

func validateStore(cfg *StoreConfig) error {
	switch cfg.Backend {
	case "file":
		if cfg.File == "" {
			return fmt.Errorf("store.file is required for file backend")
		}
	case "redis":
		if len(cfg.Redis.Addrs) == 0 {
			return fmt.Errorf("store.redis.addrs is required for redis backend")
		}
		if cfg.Redis.Key == "" {
			return fmt.Errorf("store.redis.key is required for redis backend")
		}
	case "nats":
		if cfg.NATS.Bucket == "" {
			return fmt.Errorf("store.nats.bucket is required for nats backend")
		}
	default:
		return fmt.Errorf("invalid store.backend: %s (must be file, redis, or nats)", cfg.Backend)
	}
	return nil
}

func validateService(cfg *ServiceConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("service.name is required")
	}

	switch cfg.Capability {
	case "auto", "supported", "unsupported":
	default:
		return fmt.Errorf("invalid service.capability: %s (must be auto, supported, or unsupported)", cfg.Capability)
	}

	if cfg.MinInterval < 10*time.Millisecond {
		return fmt.Errorf("service.min_interval must be at least 10ms")
	}
	if cfg.StopTimeout < time.Second {
		return fmt.Errorf("service.stop_timeout must be at least 1 second")
	}
	if cfg.StopTimeout > 5*time.Minute {
		return fmt.Errorf("service.stop_timeout must not exceed 5 minutes")
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	if _, err := zapcore.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", cfg.Level)
	}
	if cfg.File == "" {
		return fmt.Errorf("logging.file is required")
	}
	if cfg.MaxSizeMB <= 0 {
		return fmt.Errorf("logging.max_size_mb must be positive")
	}
	if cfg.MaxBackups < 0 {
		return fmt.Errorf("logging.max_backups cannot be negative")
	}
	return nil
}
