package storedmap

import "github.com/sirupsen/logrus"

// newDefaultLogger builds the logrus.Logger a Store falls back to when
// Config.Logger is nil: text output, Info level, matching the teacher's
// plain logrus.New() default before any output-manager wiring is applied.
func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}
