package apmux

import "github.com/sirupsen/logrus"

// Module-level logger with pre-configured module field
var logger = logrus.WithField("module", "apmux")

// GetLogger returns the module logger for use by other packages
func GetLogger() *logrus.Entry {
	return logger
}
