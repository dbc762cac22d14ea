package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jedisct1/dlog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Audit log rotation limits.
const (
	auditMaxSizeMB  = 10
	auditMaxAgeDays = 30
	auditMaxBackups = 5
)

var initLogOnce sync.Once

// setupLogging configures the process logger. Diagnostics go to stderr,
// or to logFile when set. Verbose lowers the threshold to debug.
func setupLogging(verbose bool, logFile string) {
	initLogOnce.Do(func() {
		dlog.Init("shmc", dlog.SeverityWarning, "USER")
	})

	if verbose {
		dlog.SetLogLevel(dlog.SeverityDebug)
	}

	if logFile != "" {
		dlog.UseLogFile(logFile)
	}
}

// auditLog records mutating commands, one line each, in a rotating file.
type auditLog struct {
	mu       sync.Mutex
	w        io.WriteCloser
	identity string
}

// openAuditLog returns nil when path is empty.
func openAuditLog(path, identity string) *auditLog {
	if path == "" {
		return nil
	}

	return &auditLog{
		identity: identity,
		w: &lumberjack.Logger{
			Filename:   path,
			LocalTime:  true,
			MaxSize:    auditMaxSizeMB,
			MaxAge:     auditMaxAgeDays,
			MaxBackups: auditMaxBackups,
			Compress:   true,
		},
	}
}

// Record appends one entry. Safe to call on a nil log.
func (l *auditLog) Record(op string, fields ...string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s pid=%d %s op=%s", time.Now().Format(time.RFC3339), os.Getpid(), l.identity, op)
	if len(fields) > 0 {
		line += " " + strings.Join(fields, " ")
	}

	if _, err := fmt.Fprintln(l.w, line); err != nil {
		dlog.Warnf("audit log: %v", err)
	}
}

// Close flushes and closes the log. Safe to call on a nil log.
func (l *auditLog) Close() error {
	if l == nil {
		return nil
	}

	return l.w.Close()
}
