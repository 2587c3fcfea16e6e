package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const redacted = "[REDACTED]"

var sensitiveFragments = []string{"token", "secret", "authorization", "verifier", "password"}

// New builds a JSON logrus logger at the given level with secret redaction installed.
func New(level string) *logrus.Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput is New with a caller-supplied writer.
func NewWithOutput(level string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(out)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.AddHook(RedactHook{})
	return logger
}

// LogError writes a structured error entry tagged with its origin.
func LogError(logger logrus.FieldLogger, module string, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   module,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}

// RedactHook blanks any field whose key looks like it carries credential material.
type RedactHook struct{}

func (RedactHook) Levels() []logrus.Level { return logrus.AllLevels }

func (RedactHook) Fire(entry *logrus.Entry) error {
	for key := range entry.Data {
		if IsSensitiveKey(key) {
			entry.Data[key] = redacted
		}
	}
	return nil
}

// IsSensitiveKey reports whether a field name should never be logged verbatim.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	switch k {
	case "idempotency_key", "token_expires_at":
		return false
	case "code", "auth_code":
		return true
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}
