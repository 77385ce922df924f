package logging

import (
	"io"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"mosaic/internal/config"
)

// New builds the root logger from config
func New(cfg config.LogConfig, out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	logger := logrus.New()
	logger.SetOutput(out)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// Component returns an entry tagged with the component name
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// StdLogger bridges a standard library logger onto logrus at info level,
// for libraries that only accept *log.Logger
func StdLogger(entry *logrus.Entry) *log.Logger {
	return log.New(entry.WriterLevel(logrus.InfoLevel), "", 0)
}
