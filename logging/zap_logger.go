package logging

import (
	"fmt"

	"go.uber.org/zap"
)

var (
	sugaredLogger = zap.NewNop().Sugar()
)

// InitZapLogger replaces the no-op logger installed at startup. Any mode other
// than "development" gets the production (JSON, info level) configuration.
func InitZapLogger(loggingMode string) {
	var (
		logger *zap.Logger
		err    error
	)
	if loggingMode == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(fmt.Sprintf("Cannot initialize logger: %v", err))
	}
	sugaredLogger = logger.Sugar()
}

func Logger() *zap.SugaredLogger {
	return sugaredLogger
}

// Sync flushes any buffered log entries. Errors are ignored since stderr
// commonly rejects fsync.
func Sync() {
	_ = sugaredLogger.Sync()
}
