package main

import (
	"fmt"
	"os"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/logger"
)

const (
	logFileEnvVar   = "LOG_FILE"
	logLevelEnvVar  = "LOG_LEVEL"
	logFormatEnvVar = "LOG_FORMAT"
)

// setupLogging initializes the logger. Priority: CLI flags > environment
// variables > config file. Returns the cleanup for a log file, if any.
func setupLogging(cli *CLI, cfg *config.Config) (func(), error) {
	levelStr := firstNonEmpty(cli.LogLevel, os.Getenv(logLevelEnvVar), cfg.Logging.Level)
	file := firstNonEmpty(cli.LogFile, os.Getenv(logFileEnvVar), cfg.Logging.File)
	format := firstNonEmpty(cli.LogFormat, os.Getenv(logFormatEnvVar), cfg.Logging.Format)

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelStr, err)
	}

	output := os.Stderr
	cleanup := func() {}
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
