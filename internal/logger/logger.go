package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"go_dbchange/internal/config"
)

// New 根据配置构建根 logger，同时设置 logrus 标准 logger
func New(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}

	logrus.SetLevel(level)
	logrus.SetFormatter(log.Formatter)
	return log
}

// Discard returns an entry that drops everything, used by tests
func Discard() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(nopWriter{})
	return logrus.NewEntry(log)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
