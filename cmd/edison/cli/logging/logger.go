// Package logging writes structured JSON logs for the Edison CLI.
//
// Init routes everything that follows to .edison/logs/<session-id>.log;
// before Init, or when the file cannot be opened, records fall through to
// slog.Default. Values tagged onto the context with WithSession, WithTask,
// WithComponent, and WithActor are attached to every record automatically.
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"edison.dev/cli/cmd/edison/cli/paths"
)

// LogLevelEnvVar overrides the configured log level when set.
const LogLevelEnvVar = "EDISON_LOG_LEVEL"

// sink is the active output. Init swaps the whole value so re-Init and
// Close stay atomic.
type sink struct {
	logger  *slog.Logger
	file    *os.File
	buf     *bufio.Writer
	session string
}

var (
	mu              sync.RWMutex
	active          sink
	levelFromConfig func() string
)

// SetLogLevelGetter registers a callback that reads logging.level from the
// resolved config. The environment variable wins when both are set.
func SetLogLevelGetter(getter func() string) {
	mu.Lock()
	defer mu.Unlock()
	levelFromConfig = getter
}

var levelNames = map[string]slog.Level{
	"DEBUG":   slog.LevelDebug,
	"INFO":    slog.LevelInfo,
	"WARN":    slog.LevelWarn,
	"WARNING": slog.LevelWarn,
	"ERROR":   slog.LevelError,
}

// parseLogLevel maps a level name to its slog.Level, defaulting to INFO.
func parseLogLevel(s string) slog.Level {
	if level, ok := levelNames[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return level
	}
	return slog.LevelInfo
}

// Init opens .edison/logs/<sessionID>.log and routes subsequent records
// there. File trouble degrades to stderr rather than failing the command;
// the only error is a session id unsafe to use as a file name.
func Init(sessionID string) error {
	if err := paths.ValidateSessionID(sessionID); err != nil {
		return fmt.Errorf("invalid session ID for logging: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	closeLocked()

	name := os.Getenv(LogLevelEnvVar)
	if name == "" && levelFromConfig != nil {
		name = levelFromConfig()
	}
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		if _, known := levelNames[strings.ToUpper(trimmed)]; !known {
			fmt.Fprintf(os.Stderr, "[edison] Warning: invalid log level %q, defaulting to INFO\n", name)
		}
	}
	level := parseLogLevel(name)

	dir := filepath.Join(paths.ProjectRootOr("."), paths.LogsDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		active = sink{logger: jsonLogger(os.Stderr, level)}
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, sessionID+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // session id validated above
	if err != nil {
		active = sink{logger: jsonLogger(os.Stderr, level)}
		return nil
	}

	buf := bufio.NewWriterSize(f, 8192)
	active = sink{logger: jsonLogger(buf, level), file: f, buf: buf, session: sessionID}
	return nil
}

// Close flushes and releases the log file. Safe to call repeatedly.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func closeLocked() {
	if active.buf != nil {
		_ = active.buf.Flush()
	}
	if active.file != nil {
		_ = active.file.Close()
	}
	active = sink{}
}

// resetLogger drops the active sink (tests).
func resetLogger() {
	Close()
}

func jsonLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Debug logs at DEBUG level with context values attached.
func Debug(ctx context.Context, msg string, attrs ...any) { emit(ctx, slog.LevelDebug, msg, attrs...) }

// Info logs at INFO level with context values attached.
func Info(ctx context.Context, msg string, attrs ...any) { emit(ctx, slog.LevelInfo, msg, attrs...) }

// Warn logs at WARN level with context values attached.
func Warn(ctx context.Context, msg string, attrs ...any) { emit(ctx, slog.LevelWarn, msg, attrs...) }

// Error logs at ERROR level with context values attached.
func Error(ctx context.Context, msg string, attrs ...any) { emit(ctx, slog.LevelError, msg, attrs...) }

// LogDuration records msg with a duration_ms attribute measured from start.
// Meant for defer:
//
//	defer logging.LogDuration(ctx, slog.LevelInfo, "composition finished", time.Now())
func LogDuration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	withDuration := append([]any{slog.Int64("duration_ms", time.Since(start).Milliseconds())}, attrs...)
	emit(ctx, level, msg, withDuration...)
}

// emit assembles the record: the Init session id first, then context tags,
// then caller attributes.
func emit(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	mu.RLock()
	logger := active.logger
	session := active.session
	mu.RUnlock()
	if logger == nil {
		logger = slog.Default()
	}

	record := make([]any, 0, len(attrs)+4)
	if session != "" {
		record = append(record, slog.String("session_id", session))
	}
	if ctx != nil {
		if session == "" {
			if id := SessionIDFromContext(ctx); id != "" {
				record = append(record, slog.String("session_id", id))
			}
		}
		for _, tag := range []struct{ key, value string }{
			{"task_id", TaskIDFromContext(ctx)},
			{"component", ComponentFromContext(ctx)},
			{"actor", ActorFromContext(ctx)},
		} {
			if tag.value != "" {
				record = append(record, slog.String(tag.key, tag.value))
			}
		}
	}
	record = append(record, attrs...)
	logger.Log(nil, level, msg, record...) //nolint:staticcheck // context values already flattened into attributes
}
