// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/router-for-me/CreditMeter/internal/config"
)

// Setup applies the logging configuration: level, timestamp format, and
// optional rotated file output alongside stderr.
func Setup(cfg config.LoggingConfig) {
	level, errParse := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errParse != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if file := strings.TrimSpace(cfg.File); file != "" {
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		log.SetOutput(io.MultiWriter(os.Stderr, rotated))
	} else {
		log.SetOutput(os.Stderr)
	}
}

func orDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
