// Package log configures the application-wide structured logger.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level, format, and outputs. Stdout is always
// included; the rotating file output is optional.
type Config struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	File   FileConfig `mapstructure:"file"`
}

// FileConfig enables rotating file output via lumberjack.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

var root = logrus.New()

// Init applies the configuration to the shared logger.
func Init(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	root.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		root.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format: %s", cfg.Format)
	}

	writers := []io.Writer{os.Stdout}
	if cfg.File.Enabled {
		if cfg.File.Path == "" {
			return fmt.Errorf("file output requires a path")
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	}
	root.SetOutput(io.MultiWriter(writers...))
	return nil
}

// GetLogger returns a component-scoped entry on the shared logger.
func GetLogger(component string) *logrus.Entry {
	return root.WithField("component", component)
}
