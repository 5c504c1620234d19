package logger

import (
	"io"
	"os"
	"path/filepath"
	"pixcache/pkg/models"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct {
	zl           zerolog.Logger
	file         *os.File
	debugEnabled bool
}

func NewLogger(cfg *models.LogConfig) (*Logger, error) {
	var writers []io.Writer

	if cfg.ToStdout {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			NoColor:    true,
			TimeFormat: time.RFC3339,
		})
	}

	var file *os.File
	if cfg.ToFile {
		if cfg.FilePath == "" {
			cfg.FilePath = "pixcache.log"
		}
		dir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}

		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		file = f
		writers = append(writers, f)
	}

	level := zerolog.InfoLevel
	if cfg.DebugEnabled {
		level = zerolog.DebugLevel
	}

	var out io.Writer = io.Discard
	if len(writers) > 0 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	ctx := zerolog.New(out).Level(level).With()
	if cfg.Flags != 0 {
		ctx = ctx.Timestamp()
	}
	if prefix := strings.Trim(cfg.Prefix, "[] "); prefix != "" {
		ctx = ctx.Str("app", prefix)
	}

	return &Logger{
		zl:           ctx.Logger(),
		file:         file,
		debugEnabled: cfg.DebugEnabled,
	}, nil
}

// With returns a child logger tagging every line with field=value. The child
// shares the parent's sinks; closing it does not close them.
func (l *Logger) With(field, value string) *Logger {
	return &Logger{
		zl:           l.zl.With().Str(field, value).Logger(),
		debugEnabled: l.debugEnabled,
	}
}

func (l *Logger) Info(msg string) {
	l.zl.Info().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.zl.Warn().Msg(msg)
}

func (l *Logger) Debug(msg string) {
	if l.debugEnabled {
		l.zl.Debug().Msg(msg)
	}
}

func (l *Logger) Error(msg string) {
	l.zl.Error().Msg(msg)
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
