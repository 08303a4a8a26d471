// Package config loads the s3wofs configuration from a YAML file, the
// environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// S3WOFS_S3_REGION for s3.region.
const EnvPrefix = "S3WOFS"

// Config is the complete configuration of one mount.
type Config struct {
	// Bucket is the raw BUCKET[:/prefix] argument.
	Bucket     string `mapstructure:"bucket" validate:"required"`
	Mountpoint string `mapstructure:"mountpoint" validate:"required"`

	S3          S3Config          `mapstructure:"s3"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Mount       MountConfig       `mapstructure:"mount"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// S3Config selects the object store endpoint.
type S3Config struct {
	Region    string `mapstructure:"region" validate:"required"`
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url"`
	PathStyle bool   `mapstructure:"path_style"`
}

// CredentialsConfig controls the credential chain.
type CredentialsConfig struct {
	PasswdFile string   `mapstructure:"passwd_file"`
	Profile    string   `mapstructure:"profile"`
	Sources    []string `mapstructure:"sources" validate:"dive,oneof=passwd_file env profile imds"`
}

// UploadConfig tunes multipart uploads.
type UploadConfig struct {
	PartSize          int           `mapstructure:"part_size" validate:"gte=5242880,lte=5368709120"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" validate:"gt=0"`
	RemoteTimeout     time.Duration `mapstructure:"remote_timeout" validate:"gte=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=0"`
}

// JournalConfig selects the upload journal backend. Only the option map of
// the selected type is used.
type JournalConfig struct {
	Type     string         `mapstructure:"type" validate:"required,oneof=memory badger postgres mongodb"`
	Badger   map[string]any `mapstructure:"badger"`
	Postgres map[string]any `mapstructure:"postgres"`
	MongoDB  map[string]any `mapstructure:"mongodb"`
}

// Options returns the option map of the selected backend.
func (j JournalConfig) Options() map[string]any {
	switch j.Type {
	case "badger":
		return j.Badger
	case "postgres":
		return j.Postgres
	case "mongodb":
		return j.MongoDB
	}
	return nil
}

// MountConfig holds kernel mount settings.
type MountConfig struct {
	AllowOther         bool `mapstructure:"allow_other"`
	DefaultPermissions bool `mapstructure:"default_permissions"`
	// Options is the raw -o list.
	Options []string `mapstructure:"options"`
	// Sloppy ignores unknown mount options instead of failing.
	Sloppy bool `mapstructure:"sloppy"`
}

// LoggingConfig controls logrus.
type LoggingConfig struct {
	Level     string `mapstructure:"level" validate:"required,oneof=trace debug info warn error"`
	Format    string `mapstructure:"format" validate:"required,oneof=text json"`
	Output    string `mapstructure:"output" validate:"required"`
	FuseDebug bool   `mapstructure:"fuse_debug"`
}

// BucketName returns the bucket part of the BUCKET[:/prefix] argument.
func (c *Config) BucketName() string {
	name, _, _ := ParseBucket(c.Bucket)
	return name
}

// Prefix returns the key prefix of the BUCKET[:/prefix] argument.
func (c *Config) Prefix() string {
	_, prefix, _ := ParseBucket(c.Bucket)
	return prefix
}

// flagKeys maps command line flags to configuration keys. Flags missing from
// the flag set are skipped.
var flagKeys = map[string]string{
	"region":              "s3.region",
	"endpoint":            "s3.endpoint",
	"path-style":          "s3.path_style",
	"passwd-file":         "credentials.passwd_file",
	"profile":             "credentials.profile",
	"credential-sources":  "credentials.sources",
	"part-size":           "upload.part_size",
	"max-attempts":        "upload.max_attempts",
	"remote-timeout":      "upload.remote_timeout",
	"requests-per-second": "upload.requests_per_second",
	"journal":             "journal.type",
	"journal-path":        "journal.badger.path",
	"options":             "mount.options",
	"allow-other":         "mount.allow_other",
	"sloppy":              "mount.sloppy",
	"log-level":           "logging.level",
	"log-format":          "logging.format",
	"log-output":          "logging.output",
	"debug-fuse":          "logging.fuse_debug",
}

// LoadOptions are the inputs of Load besides the config file.
type LoadOptions struct {
	// ConfigPath is an explicit config file. Empty searches the default location.
	ConfigPath string
	Flags      *pflag.FlagSet
	// Bucket and Mountpoint come from positional arguments and win over
	// every other source when set.
	Bucket     string
	Mountpoint string
}

// Load loads configuration from file, environment variables and flags.
//
// Configuration precedence (highest to lowest):
//  1. Positional arguments
//  2. Command line flags that were set
//  3. Environment variables (S3WOFS_*)
//  4. Configuration file
//  5. Default values
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setupViper(v, opts.ConfigPath)

	if err := bindFlags(v, opts.Flags); err != nil {
		return nil, err
	}

	if err := readConfigFile(v, opts.ConfigPath != ""); err != nil {
		return nil, err
	}

	if opts.Bucket != "" {
		v.Set("bucket", opts.Bucket)
	}
	if opts.Mountpoint != "" {
		v.Set("mountpoint", opts.Mountpoint)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment lookups only happen for keys viper knows about.
	registerDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// readConfigFile tolerates a missing file only when none was asked for.
func readConfigFile(v *viper.Viper, explicit bool) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && !explicit {
			return nil
		}
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found: %w", err)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "s3wofs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "s3wofs")
}
