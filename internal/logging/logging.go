// Package logging configures the process wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"bazil.org/fuse"
	log "github.com/sirupsen/logrus"
)

// Options mirrors the logging section of the configuration.
type Options struct {
	Level  string
	Format string
	// Output is stdout, stderr or a file path. Files are appended to.
	Output string
	// FuseDebug routes the kernel protocol trace to the logger.
	FuseDebug bool
}

// Setup applies opts to the standard logrus logger. The returned closer
// releases a log file, if one was opened.
func Setup(opts Options) (io.Closer, error) {
	return configure(log.StandardLogger(), opts)
}

func configure(logger *log.Logger, opts Options) (io.Closer, error) {
	level := opts.Level
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	var formatter log.Formatter
	switch strings.ToLower(opts.Format) {
	case "", "text":
		formatter = &log.TextFormatter{FullTimestamp: true}
	case "json":
		formatter = &log.JSONFormatter{}
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	out, closer, err := openOutput(opts.Output)
	if err != nil {
		return nil, err
	}

	logger.SetLevel(lvl)
	logger.SetFormatter(formatter)
	logger.SetOutput(out)

	if opts.FuseDebug {
		entry := logger.WithField("component", "fuse-protocol")
		fuse.Debug = func(msg interface{}) {
			entry.Trace(msg)
		}
		if lvl < log.TraceLevel {
			entry.Warn("fuse debug output requested but log level is below trace")
		}
	}

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, f, nil
}
