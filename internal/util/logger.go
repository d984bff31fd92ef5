package util

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger   *slog.Logger
	loggerMu sync.Mutex
	verbose  bool
)

// InitLogger initializes the global slog logger. Debug records are only emitted when verbose
// is set.
func InitLogger(isVerbose bool) {
	InitLoggerWithWriter(os.Stderr, isVerbose)
}

// InitLoggerWithWriter is InitLogger with an explicit destination, used when the terminal is in
// raw mode and logs must go to a file instead.
func InitLoggerWithWriter(w io.Writer, isVerbose bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isVerbose {
		opts.Level = slog.LevelDebug
	}

	verbose = isVerbose
	logger = slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	initialized := logger != nil
	loggerMu.Unlock()

	if !initialized {
		// Fallback initialization with INFO level
		InitLogger(IsVerbose())
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	return logger
}

// IsVerbose reports whether verbose logging was requested, either through InitLogger or the
// --verbose flag / TELEOP_VERBOSE environment variable.
func IsVerbose() bool {
	if verbose {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return strings.EqualFold(os.Getenv("TELEOP_VERBOSE"), "true")
}

// SetupGlobalLogger routes the standard log package through slog so third-party log.Printf
// output ends up in the same stream.
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger()})
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
