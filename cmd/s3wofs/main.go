package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/s3fs-fuse/s3wofs-go/internal/config"
	"github.com/s3fs-fuse/s3wofs-go/internal/logging"
	"github.com/s3fs-fuse/s3wofs-go/internal/mount"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var version = "dev"

// shutdownTimeout bounds aborting open uploads after unmount.
const shutdownTimeout = 30 * time.Second

type cliOptions struct {
	configPath string
	bucket     string
	mountpoint string
	fake       bool
	verbose    bool
	version    bool
}

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "s3wofs: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(opts *cliOptions, output io.Writer) *pflag.FlagSet {
	flags := pflag.NewFlagSet("s3wofs", pflag.ContinueOnError)
	flags.SetOutput(output)
	flags.Usage = func() {
		fmt.Fprintf(output, "Usage: s3wofs [options] BUCKET[:/prefix] MOUNTPOINT\n\n")
		fmt.Fprintf(output, "Mounts a write-only filesystem that streams new files to S3.\n\nOptions:\n")
		flags.PrintDefaults()
	}

	flags.StringVar(&opts.configPath, "config", "", "Path to config file (default $XDG_CONFIG_HOME/s3wofs/config.yaml)")
	flags.BoolVar(&opts.version, "version", false, "Print version and exit")

	// mount(8) helper conventions
	flags.StringSliceP("options", "o", nil, "Mount options, comma separated")
	flags.BoolP("sloppy", "s", false, "Ignore unknown mount options")
	flags.BoolVarP(&opts.fake, "fake", "f", false, "Set everything up and check the bucket, but do not mount")
	flags.Bool("foreground", false, "Stay in the foreground (always the case)")
	flags.BoolP("no-mtab", "n", false, "Do not update /etc/mtab (ignored)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")
	flags.StringP("type", "t", "", "Filesystem type (ignored)")
	for _, name := range []string{"foreground", "no-mtab", "type"} {
		flags.MarkHidden(name)
	}

	flags.String("region", "", "AWS region")
	flags.String("endpoint", "", "S3 endpoint URL (for LocalStack or other S3-compatible services)")
	flags.Bool("path-style", false, "Use path-style bucket addressing")
	flags.String("passwd-file", "", "Path to passwd file")
	flags.String("profile", "", "Shared credentials profile")
	flags.StringSlice("credential-sources", nil, "Credential sources in lookup order (passwd_file,env,profile,imds)")

	flags.Int("part-size", 0, "Multipart part size in bytes")
	flags.Int("max-attempts", 0, "Attempts per S3 request on transient errors")
	flags.Duration("remote-timeout", 0, "Timeout of a single S3 request")
	flags.Float64("requests-per-second", 0, "Limit of S3 requests per second (0 = unlimited)")

	flags.String("journal", "", "Upload journal backend (memory, badger, postgres, mongodb)")
	flags.String("journal-path", "", "Directory of the badger journal")

	flags.Bool("allow-other", false, "Allow other users to access the mount")

	flags.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "Log format (text, json)")
	flags.String("log-output", "", "Log output (stdout, stderr or a file path)")
	flags.Bool("debug-fuse", false, "Log FUSE protocol messages at trace level")

	return flags
}

func parseArgs(args []string, output io.Writer) (*cliOptions, *pflag.FlagSet, error) {
	opts := &cliOptions{}
	flags := newFlagSet(opts, output)
	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}
	if opts.version {
		return opts, flags, nil
	}

	switch flags.NArg() {
	case 2:
		opts.bucket = flags.Arg(0)
		opts.mountpoint = flags.Arg(1)
	case 0:
		// Both may come from the config file.
	default:
		flags.Usage()
		return nil, nil, fmt.Errorf("expected BUCKET[:/prefix] and MOUNTPOINT, got %d arguments", flags.NArg())
	}
	return opts, flags, nil
}

func loadConfig(opts *cliOptions, flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		ConfigPath: opts.configPath,
		Flags:      flags,
		Bucket:     opts.bucket,
		Mountpoint: opts.mountpoint,
	})
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		switch cfg.Logging.Level {
		case "info", "warn", "error":
			cfg.Logging.Level = "debug"
		}
	}
	return cfg, nil
}

func run(args []string, output io.Writer) error {
	opts, flags, err := parseArgs(args, output)
	if err != nil {
		return err
	}
	if opts.version {
		fmt.Fprintf(output, "s3wofs %s\n", version)
		return nil
	}

	cfg, err := loadConfig(opts, flags)
	if err != nil {
		return err
	}

	closer, err := logging.Setup(logging.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		FuseDebug: cfg.Logging.FuseDebug,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	log.WithField("version", version).Info("starting s3wofs")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mc, err := mount.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mc.Close(shutdownCtx); err != nil {
			log.WithError(err).Error("shutdown incomplete")
		}
	}()

	if opts.fake {
		if err := mc.Check(ctx); err != nil {
			return err
		}
		log.WithField("bucket", cfg.BucketName()).Info("bucket is accessible, not mounting")
		return nil
	}

	return mc.Serve(ctx)
}
