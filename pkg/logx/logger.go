// Package logx provides the structured logger used across satfail.
// Output is single-line JSON on stdout so logread and journald both
// ingest it cleanly; an optional syslog mirror is available on the
// router itself.
package logx

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus with the key/value call style used by every
// satfail component.
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// NewLogger creates a logger at the given level. The component name is
// attached to every entry.
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
		},
	})
	base.SetLevel(parseLevel(level))
	return &Logger{base: base, entry: base.WithField("component", component)}
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the level at runtime (SIGHUP reload, verbose mode).
func (l *Logger) SetLevel(level string) {
	l.base.SetLevel(parseLevel(level))
}

// GetLevel returns the current level name.
func (l *Logger) GetLevel() string {
	return l.base.GetLevel().String()
}

// WithComponent derives a logger for a subsystem, sharing level and
// output with the parent.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{base: l.base, entry: l.base.WithField("component", component)}
}

// WithFields derives a logger with fields attached to every entry.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithFields(logrus.Fields(fields))}
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		f[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 == 1 {
		f["extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return f
}

func (l *Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Trace(msg)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Error(msg)
}

// LogVerbose emits a high-volume diagnostic record at trace level.
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).WithField("event", event).Trace(event)
}

// LogSwitch records a route switch attempt with its outcome.
func (l *Logger) LogSwitch(from, to, reason string, success bool, extra map[string]interface{}) {
	e := l.entry.WithFields(logrus.Fields{
		"event":   "route_switch",
		"from":    from,
		"to":      to,
		"reason":  reason,
		"success": success,
	})
	if len(extra) > 0 {
		e = e.WithFields(logrus.Fields(extra))
	}
	if success {
		e.Info("Route switch completed")
	} else {
		e.Error("Route switch failed")
	}
}

// LogEvent records a decision event as a structured log line, parallel
// to the audit trail.
func (l *Logger) LogEvent(eventType, iface string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).WithFields(logrus.Fields{
		"event":     eventType,
		"interface": iface,
	}).Info(eventType)
}
