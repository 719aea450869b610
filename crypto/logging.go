package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper accumulates structured fields for one crypto operation.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger creates a logger helper tagged with the function name.
func NewLogger(function string) *LoggerHelper {
	return &LoggerHelper{
		fields: logrus.Fields{
			"function": function,
			"package":  "crypto",
		},
	}
}

// WithField adds a custom field to the logger
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithError adds error information to the logger
func (l *LoggerHelper) WithError(err error, errorType, operation string) *LoggerHelper {
	l.fields["error"] = err.Error()
	l.fields["error_type"] = errorType
	l.fields["operation"] = operation
	return l
}

func (l *LoggerHelper) Debug(message string) {
	logrus.WithFields(l.fields).Debug(message)
}

func (l *LoggerHelper) Info(message string) {
	logrus.WithFields(l.fields).Info(message)
}

func (l *LoggerHelper) Warn(message string) {
	logrus.WithFields(l.fields).Warn(message)
}

func (l *LoggerHelper) Error(message string) {
	logrus.WithFields(l.fields).Error(message)
}

// SecureFieldHash creates a short preview of sensitive data for logging.
// Only the first 8 bytes are shown.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		previewLen := 8
		if len(data) < previewLen {
			previewLen = len(data)
		}
		preview = fmt.Sprintf("%x", data[:previewLen])
		if len(data) > previewLen {
			preview += "..."
		}
	}

	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
