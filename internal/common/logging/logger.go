package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// Options describes where and how verbosely the process logs.
type Options struct {
	Level string
	// File, when set, receives log output in append mode instead of stdout.
	File   string
	Prefix string
}

// New builds the process logger. The returned close function flushes zap and
// closes the log file, if one was opened.
func New(opts Options) (Logger, func() error, error) {
	var out io.Writer = os.Stdout
	var file *os.File

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		file = f
		out = f
	}

	logger, err := NewZapLogger(LogConfig{
		Level:      ParseLevel(opts.Level),
		Output:     out,
		TimeFormat: time.RFC3339,
		Prefix:     opts.Prefix,
	})
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return nil, nil, err
	}

	closeFn := func() error {
		if z, ok := logger.(*ZapAdapter); ok {
			_ = z.Sync()
		}
		if file != nil {
			return file.Close()
		}
		return nil
	}
	return logger, closeFn, nil
}

// OrNop returns l, or a logger that discards everything when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNopLogger()
	}
	return l
}

type nopLogger struct{}

// NewNopLogger returns a Logger that discards every entry.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field) {}
func (nopLogger) Warn(string, ...Field) {}
func (nopLogger) Error(string, error, ...Field) {}
func (n nopLogger) WithFields(...Field) Logger { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
