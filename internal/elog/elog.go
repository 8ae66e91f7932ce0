// Package elog provides the structured logger used across mount, block
// allocation, and journal recovery. It wraps a single package-level logrus
// logger so callers log with logrus.Fields without each owning their own
// *logrus.Logger instance.
package elog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.Out = os.Stderr
	log.SetLevel(logrus.WarnLevel)
}

// SetLevel adjusts the package logger's verbosity, e.g. logrus.DebugLevel
// for a CLI's -v flag.
func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

// WithFields returns a logrus entry pre-populated with the given fields,
// mirroring the field-per-call-site idiom used for mkfs/mount logging.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}

// WithField is the single-field convenience form of WithFields.
func WithField(key string, value interface{}) *logrus.Entry {
	return log.WithField(key, value)
}
