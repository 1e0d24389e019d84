// Package logging provides structured logging for the go-cndm project
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with device, port and ring fields
type Logger struct {
	zlog   zerolog.Logger
	device string
	closer io.Closer
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel maps "debug", "info", "warn" and "error" to a LogLevel
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter keeps log writes off the poll loops. Messages are dropped
// rather than blocking when the buffer is full.
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	// p is reused by zerolog
	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case aw.ch <- msg:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var closer io.Closer
	if !config.Sync {
		aw := newAsyncWriter(out, 1000)
		out = aw
		closer = aw
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(out).With().Timestamp().Logger()
	default:
		cw := zerolog.ConsoleWriter{Out: out, NoColor: config.NoColor}
		zlog = zerolog.New(cw).With().Timestamp().Logger()
	}

	return &Logger{
		zlog:   zlog.Level(zerolog.Level(config.Level)),
		closer: closer,
	}
}

// Close flushes pending asynchronous writes
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) with(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger(), device: l.device}
}

// WithDevice returns a logger tagged with the device name
func (l *Logger) WithDevice(name string) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Str("device", name).Logger(),
		device: name,
	}
}

// WithPort returns a logger tagged with a port index
func (l *Logger) WithPort(port int) *Logger {
	return l.with(l.zlog.With().Int("port", port))
}

// WithRing returns a logger tagged with a ring name such as "rx_cq"
func (l *Logger) WithRing(ring string) *Logger {
	return l.with(l.zlog.With().Str("ring", ring))
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err))
}

// Device returns the device name this logger is tagged with
func (l *Logger) Device() string {
	return l.device
}

func addFields(event *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		event = event.Interface(key, args[i+1])
	}
	return event
}

func (l *Logger) Debug(msg string, args ...any) {
	addFields(l.zlog.Debug(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	addFields(l.zlog.Info(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	addFields(l.zlog.Warn(), args).Msg(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	addFields(l.zlog.Error(), args).Msg(msg)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.zlog.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.zlog.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.zlog.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.zlog.Error().Msgf(format, args...)
}

// Printf logs at info level
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Mailbox command logging
func (l *Logger) MailboxStart(op string, port, qn uint32) {
	l.zlog.Debug().Str("opcode", op).Uint32("port", port).Uint32("qn", qn).Msg("mailbox command starting")
}

func (l *Logger) MailboxSuccess(op string, dboffs uint32) {
	l.zlog.Debug().Str("opcode", op).Str("dboffs", fmt.Sprintf("0x%x", dboffs)).Msg("mailbox command completed")
}

func (l *Logger) MailboxError(op string, err error) {
	l.zlog.Error().Str("opcode", op).Err(err).Msg("mailbox command failed")
}
