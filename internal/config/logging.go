package config

import (
	"log"

	"github.com/sirupsen/logrus"
)

// ConfigureLogging sets the process-wide logrus level and format and routes the
// standard library logger through it.
func (c Config) ConfigureLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if c.Env != "dev" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	log.SetOutput(logrus.StandardLogger().Writer())
}
