package logger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	SHIM_LOG_FILE  = "SHIM_LOG_FILE"  // File to duplicate log output to (disabled when unset)
	SHIM_LOG_LEVEL = "SHIM_LOG_LEVEL" // Log level for the log file (defaults to debug when a file is set)
	DEBUG_SHIM     = "DEBUG_SHIM"     // Legacy toggle: any non-empty value raises console verbosity to debug

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

var sessionId string

type Logger struct {
	logr.Logger
	name        string
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New builds the shim's logger: a human-readable console core writing to
// stderr (the proxy's stdout carries protocol traffic and must stay clean),
// plus an optional machine-readable file core configured via SHIM_LOG_FILE.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	consoleAtomicLevel := zap.NewAtomicLevel()
	if value, found := os.LookupEnv(DEBUG_SHIM); found && value != "" {
		consoleAtomicLevel.SetLevel(zapcore.DebugLevel)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), consoleAtomicLevel),
	}

	var logFileErr error
	if fileCore, coreErr := getLogFileCore(encoderConfig); coreErr != nil {
		if !errors.Is(coreErr, errLogFileNotEnabled) {
			logFileErr = coreErr
		}
	} else {
		cores = append(cores, fileCore)
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	logger := zapr.NewLogger(zapLogger).WithValues("session", sessionId)

	if logFileErr != nil {
		// If there was an error setting up the log file, write it to the log output and stderr
		logger.Error(logFileErr, "failed to enable log file output")
		fmt.Fprintf(os.Stderr, "failed to enable log file output: %v\n", logFileErr)
	}

	return &Logger{
		Logger:      logger,
		name:        name,
		atomicLevel: consoleAtomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) WithName(name string) *Logger {
	l.Logger = l.Logger.WithName(name)
	return l
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

func (l *Logger) Flush() {
	l.flush()
}

// Add verbosity flag to enable setting console log levels
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(func(level zapcore.Level) {
		l.SetLevel(level)
	})
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or any positive integer corresponding to increasing levels of debug verbosity.")
}

var errLogFileNotEnabled = errors.New("log file not enabled")

func getLogFileCore(encoderConfig zapcore.EncoderConfig) (zapcore.Core, error) {
	logFilePath, found := os.LookupEnv(SHIM_LOG_FILE)
	if !found || logFilePath == "" {
		return nil, errLogFileNotEnabled
	}

	logLevel := zapcore.DebugLevel
	if levelText, levelFound := os.LookupEnv(SHIM_LOG_LEVEL); levelFound {
		parsed, parseErr := StringToLevel(levelText, zapcore.DebugLevel)
		if parseErr != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", SHIM_LOG_LEVEL, parseErr)
		}
		logLevel = parsed
	}

	logFolder := filepath.Dir(logFilePath)
	if info, statErr := os.Stat(logFolder); errors.Is(statErr, fs.ErrNotExist) {
		if mkdirErr := os.MkdirAll(logFolder, 0o700); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create the log folder '%s': %w", logFolder, mkdirErr)
		}
	} else if statErr != nil {
		return nil, fmt.Errorf("failed to verify the existence of the log folder '%s': %w", logFolder, statErr)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("'%s' is not a directory and cannot hold a log file", logFolder)
	}

	// The same log file may be contended by a previous shim instance that is
	// still flushing on exit, so retry briefly before giving up.
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
	logOutput, openErr := backoff.RetryWithData(func() (*os.File, error) {
		return os.OpenFile(logFilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	}, backoff.WithContext(b, context.Background()))
	if openErr != nil {
		return nil, fmt.Errorf("failed to open log file: %w", openErr)
	}

	// Format the log file to be machine readable
	logEncoder := zapcore.NewJSONEncoder(encoderConfig)

	return zapcore.NewCore(logEncoder, zapcore.AddSync(logOutput), zap.NewAtomicLevelAt(logLevel)), nil
}

func SessionId() string {
	return sessionId
}

func init() {
	sessionId = uuid.NewString()
}
