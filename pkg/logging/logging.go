package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rexliu/porthole/pkg/config"
)

// Logger wraps zerolog.Logger and keeps a Printf surface for command output.
type Logger struct {
	zerolog.Logger
	component string
	closer    io.Closer
}

// New returns a warn-level console logger on stderr tagged with component.
func New(component string) *Logger {
	l := &Logger{component: component}
	l.Logger = build(consoleWriter(os.Stderr), component).Level(zerolog.WarnLevel)
	return l
}

func build(w io.Writer, component string) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("component", component).Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
}

// Printf logs a formatted message at info level.
func (l *Logger) Printf(format string, args ...any) {
	l.Info().Msg(fmt.Sprintf(format, args...))
}

// Configure applies logging settings from config. A relative FilePath must
// already be resolved against the profile directory.
func (l *Logger) Configure(cfg config.LoggingConfig) error {
	if l == nil {
		return nil
	}
	level := zerolog.WarnLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("logging level: %w", err)
		}
		level = parsed
	}

	var out io.Writer = os.Stderr
	if !strings.EqualFold(cfg.Format, "json") {
		out = consoleWriter(os.Stderr)
	}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
			return err
		}
		writer, err := newRollingFile(cfg.FilePath, cfg.FileMaxSize)
		if err != nil {
			return err
		}
		if l.closer != nil {
			l.closer.Close()
		}
		l.closer = writer
		// the file always gets JSON lines
		out = zerolog.MultiLevelWriter(out, writer)
	}
	l.Logger = build(out, l.component).Level(level)
	return nil
}

// Close releases the log file, if one was opened.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// rollingFile appends to path and, once a write would push it past max MiB,
// moves it to path.1 and starts over. Only one previous file is kept.
type rollingFile struct {
	mu   sync.Mutex
	path string
	max  int64
	file *os.File
	size int64
}

func newRollingFile(path string, maxMB int) (*rollingFile, error) {
	r := &rollingFile{path: path, max: int64(maxMB) << 20}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rollingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.size = f, info.Size()
	return nil
}

func (r *rollingFile) rotate() error {
	closeErr := r.file.Close()
	r.file = nil
	if closeErr != nil {
		if err := r.open(); err != nil {
			return errors.Join(fmt.Errorf("close log file: %w", closeErr), err)
		}
		return fmt.Errorf("close log file: %w", closeErr)
	}
	if err := os.Rename(r.path, r.path+".1"); err != nil {
		// keep appending to the current file rather than losing output
		if reopenErr := r.open(); reopenErr != nil {
			return errors.Join(fmt.Errorf("rotate log file: %w", err), reopenErr)
		}
		return fmt.Errorf("rotate log file: %w", err)
	}
	return r.open()
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	var rotateErr error
	if r.max > 0 && r.size > 0 && r.size+int64(len(p)) > r.max {
		rotateErr = r.rotate()
		if r.file == nil {
			return 0, rotateErr
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	if err != nil {
		return n, err
	}
	return n, rotateErr
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
