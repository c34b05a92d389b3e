// Package logging builds the slog loggers used by the gostream binaries.
//
// Output always goes to stdout. When File is set, records are also written to
// a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures a logger.
type Config struct {
	// Level is one of debug, info, warn or error.
	// Default is info.
	Level string `koanf:"level"`

	// Format is json or text.
	// Default is json.
	Format string `koanf:"format"`

	// File enables rotated file output when non-empty.
	File string `koanf:"file"`

	// MaxSizeMB is the size at which the file is rotated.
	// Default is 50.
	MaxSizeMB int `koanf:"max_size_mb"`

	// MaxBackups is the number of rotated files kept.
	// Default is 3.
	MaxBackups int `koanf:"max_backups"`

	// MaxAgeDays removes rotated files older than this. Zero keeps them.
	MaxAgeDays int `koanf:"max_age_days"`

	// Component is added to every record when set.
	Component string `koanf:"component"`
}

func (c Config) parse() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 50
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 3
	}
	return c
}

// New builds a logger. The returned closer releases the log file and must be
// called on shutdown.
func New(config Config) (*slog.Logger, io.Closer, error) {
	return newLogger(config, os.Stdout)
}

func newLogger(config Config, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	config = config.parse()

	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = stdout
	var closer io.Closer = nopCloser{}
	if config.File != "" {
		rot := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
		}
		w = io.MultiWriter(stdout, rot)
		closer = rot
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(config.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("logging: unknown format %q", config.Format)
	}

	logger := slog.New(h)
	if config.Component != "" {
		logger = logger.With("component", config.Component)
	}
	return logger, closer, nil
}

// ParseLevel parses a level name.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
	return l, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
