package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.SugaredLogger

// Init builds the global logger. mode "release" switches to the JSON
// production encoder; anything else gets the colored console encoder.
func Init(mode string) {
	var config zap.Config

	if mode == "release" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.OutputPaths = []string{"stdout"}

	base, err := config.Build()
	if err != nil {
		os.Exit(1)
	}
	zap.ReplaceGlobals(base)
	Log = base.Sugar()
}

func init() {
	// Tests and tools get a usable logger without calling Init.
	if Log == nil {
		Init(os.Getenv("LOG_MODE"))
	}
}
