// Package auditlog provides sanitized structured logging bound to a Run,
// generalizing the teacher's single log.Printf helper into a zap-backed
// logger that also appends each event to the RunLog repository sink
// (§4.C Observability: "every log line is sanitized ... and stored in
// RunLog plus optionally appended to a per-run text file").
package auditlog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// sanitizedKeys are metadata keys that must never be logged verbatim even
// if a caller passes them in; their values are redacted defensively.
var sanitizedKeys = map[string]struct{}{
	"cle":      {},
	"password": {},
	"token":    {},
	"apiKey":   {},
}

// Logger binds a zap.Logger and Repository to one Run and writes every
// event to both.
type Logger struct {
	zap   *zap.Logger
	repo  contracts.Repository
	runID contracts.RunID

	mu       sync.Mutex
	fileDir  string // non-empty enables per-run debug text file
	fileOnce sync.Once
	file     *os.File
}

// New creates a Logger for runID. fileDir is the directory for optional
// per-run debug text files (AUTOMATION_DEBUG_LOG_TO_FILE); pass "" to
// disable file logging.
func New(zl *zap.Logger, repo contracts.Repository, runID contracts.RunID, fileDir string) *Logger {
	return &Logger{zap: zl.With(zap.String("run_id", string(runID))), repo: repo, runID: runID, fileDir: fileDir}
}

func (l *Logger) sanitize(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	clean := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if _, blocked := sanitizedKeys[k]; blocked {
			clean[k] = "[redacted]"
			continue
		}
		clean[k] = v
	}
	return clean
}

func (l *Logger) emit(ctx context.Context, level contracts.LogLevel, msg string, metadata map[string]string) {
	clean := l.sanitize(metadata)

	fields := make([]zap.Field, 0, len(clean)+1)
	fields = append(fields, zap.String("run_id", string(l.runID)))
	for k, v := range clean {
		fields = append(fields, zap.String(k, v))
	}

	switch level {
	case contracts.LogDebug:
		l.zap.Debug(msg, fields...)
	case contracts.LogWarning:
		l.zap.Warn(msg, fields...)
	case contracts.LogError:
		l.zap.Error(msg, fields...)
	default:
		l.zap.Info(msg, fields...)
	}

	entry := &contracts.RunLog{
		RunID:     l.runID,
		Level:     level,
		Message:   msg,
		Metadata:  clean,
		CreatedAt: time.Now().UTC(),
	}
	if l.repo != nil {
		// Best-effort: a logging failure must never fail the workflow.
		_ = l.repo.AppendRunLog(ctx, entry)
	}
	l.writeFile(level, msg, clean)
}

func (l *Logger) writeFile(level contracts.LogLevel, msg string, metadata map[string]string) {
	if l.fileDir == "" {
		return
	}
	l.fileOnce.Do(func() {
		_ = os.MkdirAll(l.fileDir, 0o755)
		path := filepath.Join(l.fileDir, string(l.runID)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			l.file = f
		}
	})
	if l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := time.Now().UTC().Format(time.RFC3339) + " [" + string(level) + "] " + msg
	for k, v := range metadata {
		line += " " + k + "=" + v
	}
	_, _ = l.file.WriteString(line + "\n")
}

// Debug logs a debug-level RunLog entry.
func (l *Logger) Debug(ctx context.Context, msg string, metadata map[string]string) {
	l.emit(ctx, contracts.LogDebug, msg, metadata)
}

// Info logs an info-level RunLog entry.
func (l *Logger) Info(ctx context.Context, msg string, metadata map[string]string) {
	l.emit(ctx, contracts.LogInfo, msg, metadata)
}

// Warn logs a warning-level RunLog entry.
func (l *Logger) Warn(ctx context.Context, msg string, metadata map[string]string) {
	l.emit(ctx, contracts.LogWarning, msg, metadata)
}

// Error logs an error-level RunLog entry.
func (l *Logger) Error(ctx context.Context, msg string, metadata map[string]string) {
	l.emit(ctx, contracts.LogError, msg, metadata)
}

// Close releases the optional debug file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
