package logger

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance
func New(level string) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	log.SetOutput(os.Stdout)

	return &Logger{Logger: log}
}

// WithFields creates a new logger entry with the specified fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// WithField creates a new logger entry with a single field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithError creates a new logger entry with an error field
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}

// WithActorID creates a new logger entry with actor ID field
func (l *Logger) WithActorID(actorID string) *logrus.Entry {
	return l.Logger.WithField("actor_id", actorID)
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// Audit logs audit trail operations with structured format
func (l *Logger) Audit(actorID, eventType string, sequenceNumber uint64, success bool, details map[string]interface{}) {
	entry := l.Logger.WithFields(logrus.Fields{
		"audit":           true,
		"actor_id":        actorID,
		"event_type":      eventType,
		"sequence_number": sequenceNumber,
		"success":         success,
		"details":         details,
	})

	if success {
		entry.Info("Audit event appended")
	} else {
		entry.Warn("Audit event append failed")
	}
}

// Security logs security-related events
func (l *Logger) Security(event string, actorID string, details map[string]interface{}) {
	l.Logger.WithFields(logrus.Fields{
		"security": true,
		"event":    event,
		"actor_id": actorID,
		"details":  details,
	}).Warn("Security event")
}

// Compliance logs compliance-related events
func (l *Logger) Compliance(event string, actorID string, details map[string]interface{}) {
	l.Logger.WithFields(logrus.Fields{
		"compliance": true,
		"event":      event,
		"actor_id":   actorID,
		"details":    details,
	}).Info("Compliance event")
}

// ChainIntegrity logs hash chain verification outcomes. Broken chains are
// logged at error level and must also surface as CRITICAL alerts upstream.
func (l *Logger) ChainIntegrity(fromSequence, toSequence uint64, valid bool, brokenIndex int) {
	entry := l.Logger.WithFields(logrus.Fields{
		"chain_verify":  true,
		"from_sequence": fromSequence,
		"to_sequence":   toSequence,
		"valid":         valid,
	})

	if valid {
		entry.Info("Audit chain verified")
	} else {
		entry.WithField("broken_index", brokenIndex).Error("Audit chain verification failed")
	}
}

// PHIAccess logs PHI access events with enhanced security context
func (l *Logger) PHIAccess(ctx context.Context, actorID, subjectID, action, resource string, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"phi_access": true,
		"actor_id":   actorID,
		"subject_id": subjectID,
		"action":     action,
		"resource":   resource,
		"success":    success,
		"details":    details,
		"sensitive":  true,
	})

	if success {
		entry.Info("PHI access granted")
	} else {
		entry.Warn("PHI access denied")
	}
}

// WithContext creates a logger with context-aware fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithFields(logrus.Fields{})

	if requestID := ctx.Value("request_id"); requestID != nil {
		entry = entry.WithField("request_id", requestID)
	}

	if actorID := ctx.Value("actor_id"); actorID != nil {
		entry = entry.WithField("actor_id", actorID)
	}

	return entry
}
