package logging

import (
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process wide logger.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu      sync.Mutex
	root    hclog.Logger
	output  = &switchWriter{w: os.Stderr}
	rotator *lumberjack.Logger
)

// switchWriter lets Setup redirect loggers that were created before it ran.
type switchWriter struct {
	mu sync.RWMutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Write(p)
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

// GetLogger returns the global logger, creating it on first use.
func GetLogger() hclog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		root = hclog.New(&hclog.LoggerOptions{
			Name:   "mssql-changestream",
			Level:  hclog.Info,
			Output: output,
		})
	}
	return root
}

// SetLogger replaces the global logger
func SetLogger(logger hclog.Logger) {
	mu.Lock()
	root = logger
	mu.Unlock()
}

// Named returns a sub logger of the global logger.
func Named(name string) hclog.Logger {
	return GetLogger().Named(name)
}

// Setup applies level and output settings to the global logger. When a file is
// given, log lines go to stderr and to a size rotated file.
func Setup(opts Options) hclog.Logger {
	logger := GetLogger()

	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	logger.SetLevel(level)

	mu.Lock()
	defer mu.Unlock()
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
	if opts.File == "" {
		output.set(os.Stderr)
		return logger
	}

	rotator = &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 100),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 30),
		Compress:   true,
	}
	output.set(io.MultiWriter(os.Stderr, rotator))
	return logger
}

// Close flushes and releases the rotating log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	output.set(os.Stderr)
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
