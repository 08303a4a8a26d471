package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultRegion        = "us-east-1"
	DefaultPartSize      = 5 * 1024 * 1024
	DefaultMaxAttempts   = 3
	DefaultMaxBackoff    = 2 * time.Second
	DefaultRemoteTimeout = 5 * time.Minute
	DefaultJournalType   = "memory"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultLogOutput     = "stderr"
)

// DefaultCredentialSources is the chain order used when none is configured.
var DefaultCredentialSources = []string{"passwd_file", "env", "profile", "imds"}

// registerDefaults makes every key known to viper so that environment
// variables are picked up even without a config file.
func registerDefaults(v *viper.Viper) {
	v.SetDefault("bucket", "")
	v.SetDefault("mountpoint", "")

	v.SetDefault("s3.region", DefaultRegion)
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.path_style", false)

	v.SetDefault("credentials.passwd_file", "")
	v.SetDefault("credentials.profile", "")
	v.SetDefault("credentials.sources", DefaultCredentialSources)

	v.SetDefault("upload.part_size", DefaultPartSize)
	v.SetDefault("upload.max_attempts", DefaultMaxAttempts)
	v.SetDefault("upload.max_backoff", DefaultMaxBackoff)
	v.SetDefault("upload.remote_timeout", DefaultRemoteTimeout)
	v.SetDefault("upload.requests_per_second", 0)
	v.SetDefault("upload.burst", 0)

	v.SetDefault("journal.type", DefaultJournalType)

	v.SetDefault("mount.allow_other", false)
	v.SetDefault("mount.default_permissions", false)
	v.SetDefault("mount.sloppy", false)

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
	v.SetDefault("logging.output", DefaultLogOutput)
	v.SetDefault("logging.fuse_debug", false)
}

// ApplyDefaults fills zero values, for configs built in code as well as
// loaded ones.
func ApplyDefaults(cfg *Config) {
	applyS3Defaults(&cfg.S3)
	applyCredentialsDefaults(&cfg.Credentials)
	applyUploadDefaults(&cfg.Upload)
	applyJournalDefaults(&cfg.Journal)
	applyLoggingDefaults(&cfg.Logging)
}

func applyS3Defaults(cfg *S3Config) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
}

func applyCredentialsDefaults(cfg *CredentialsConfig) {
	if len(cfg.Sources) == 0 {
		cfg.Sources = append([]string(nil), DefaultCredentialSources...)
	}
}

func applyUploadDefaults(cfg *UploadConfig) {
	if cfg.PartSize == 0 {
		cfg.PartSize = DefaultPartSize
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	// RemoteTimeout zero is meaningful (no timeout) once loaded, so it is
	// only defaulted through registerDefaults.
}

func applyJournalDefaults(cfg *JournalConfig) {
	if cfg.Type == "" {
		cfg.Type = DefaultJournalType
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = DefaultLogLevel
	}
	if cfg.Format == "" {
		cfg.Format = DefaultLogFormat
	}
	if cfg.Output == "" {
		cfg.Output = DefaultLogOutput
	}
}
