package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func BuildDevelopmentLogger() (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return config.Build()
}

// BuildProductionLogger writes JSON logs to stderr, and to outputFilePath when set.
func BuildProductionLogger(outputFilePath string, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if outputFilePath != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, outputFilePath)
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// Init builds a logger and installs it as the global one. The returned func restores the previous globals.
func Init(development bool, outputFilePath, level string) (*zap.Logger, func(), error) {
	var (
		logger *zap.Logger
		err    error
	)
	if development {
		logger, err = BuildDevelopmentLogger()
	} else {
		logger, err = BuildProductionLogger(outputFilePath, level)
	}
	if err != nil {
		return nil, nil, err
	}
	undo := zap.ReplaceGlobals(logger)
	return logger, func() {
		_ = logger.Sync()
		undo()
	}, nil
}
