package config

import (
	"os"

	"github.com/sirupsen/logrus"
)

func InitLogger() *logrus.Logger {

	var logger = logrus.New()

	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})

	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	}

	return logger
}
