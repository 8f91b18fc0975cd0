package log

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *logrus.Logger
	once   sync.Once
)

type Fields = logrus.Fields

// Options configures a logger
type Options struct {
	Level      string
	File       string
	NoColors   bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Output     io.Writer
}

// New builds a logger writing to stderr (or Output) and, when File is set, a rotating file
func New(opts Options) (*logrus.Logger, error) {
	l := logrus.New()

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	l.SetLevel(level)

	l.SetFormatter(&formatter.Formatter{
		NoColors:        opts.NoColors,
		TimestampFormat: "02 Jan 06 - 15:04:05",
		HideKeys:        false,
		CallerFirst:     true,
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			funcName := s[len(s)-1]
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
		},
	})

	var out io.Writer = os.Stderr
	if opts.Output != nil {
		out = opts.Output
	}
	writers := []io.Writer{out}

	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxAge:     orDefault(opts.MaxAgeDays, 7),
			MaxBackups: orDefault(opts.MaxBackups, 3),
		})
	}

	l.SetOutput(io.MultiWriter(writers...))
	l.SetReportCaller(level >= logrus.DebugLevel)
	return l, nil
}

// Default returns the process-wide logger, creating it on first use
func Default() *logrus.Logger {
	once.Do(func() {
		if logger == nil {
			logger, _ = New(Options{})
		}
	})
	return logger
}

// SetDefault replaces the process-wide logger
func SetDefault(l *logrus.Logger) {
	once.Do(func() {})
	logger = l
}

// Discard returns a logger that drops everything, for tests and worker processes
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func Debug(fields Fields, msg string) {
	Default().WithFields(orEmpty(fields)).Debug(msg)
}

func Info(fields Fields, msg string) {
	Default().WithFields(orEmpty(fields)).Info(msg)
}

func Warn(fields Fields, msg string) {
	Default().WithFields(orEmpty(fields)).Warn(msg)
}

func Error(fields Fields, msg string) {
	Default().WithFields(orEmpty(fields)).Error(msg)
}

func orEmpty(fields Fields) Fields {
	if fields == nil {
		return Fields{}
	}
	return fields
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
