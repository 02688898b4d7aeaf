// Package telemetry provides the structured logger, the OpenTelemetry
// meter/tracer setup, request-context propagation, and the audit sinks.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel maps the NL2SQL_LOG_LEVEL value to a level; unknown
// values default to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}

// LoggerConfig configures the production logger.
type LoggerConfig struct {
	Level     LogLevel
	Component string
	// Format is "json" or "text". Empty selects json when output is not
	// a terminal and text when it is.
	Format string
	Output io.Writer
}

// StructuredLogger is the production core.Logger: one line per event,
// JSON or key=value text, with fixed fields (time, level, component)
// plus per-call fields. Safe for concurrent use.
type StructuredLogger struct {
	mu     sync.Mutex
	config LoggerConfig
	json   bool
	base   map[string]interface{}
}

// NewLogger builds a logger writing to stderr unless configured
// otherwise.
func NewLogger(cfg LoggerConfig) *StructuredLogger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	useJSON := cfg.Format != "text"
	if cfg.Format == "" {
		if f, ok := cfg.Output.(*os.File); ok {
			if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
				useJSON = false
			}
		}
	}
	return &StructuredLogger{config: cfg, json: useJSON}
}

// WithFields returns a child logger that includes the given fields on
// every line. Used to bind trace_id and tenant once per request.
func (l *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StructuredLogger{config: l.config, json: l.json, base: merged}
}

// WithContext binds the request identity carried in ctx (trace id,
// tenant, roles) to the returned logger.
func (l *StructuredLogger) WithContext(ctx context.Context) *StructuredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields)
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, msg, fields)
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, msg, fields)
}

func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, msg, fields)
}

func (l *StructuredLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.config.Level {
		return
	}

	entry := make(map[string]interface{}, len(l.base)+len(fields)+4)
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["message"] = msg
	if l.config.Component != "" {
		entry["component"] = l.config.Component
	}
	for k, v := range l.base {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}

	var line []byte
	if l.json {
		line, _ = json.Marshal(entry)
	} else {
		line = []byte(formatText(entry))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Output.Write(append(line, '\n'))
}

func formatText(entry map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", entry["time"], entry["level"], entry["message"])

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k == "time" || k == "level" || k == "message" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	return b.String()
}

var _ core.Logger = (*StructuredLogger)(nil)
