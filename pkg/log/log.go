package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects how a process logs. Zero values give info level console output on stdout.
type Options struct {
	Level string
	// Format is "console" or "json".
	Format string
	// Output is stdout, stderr or a file path.
	Output string
}

// InitLog builds the process logger. Install it with zap.ReplaceGlobals and log through zap.S().
func InitLog(opts Options) (*zap.Logger, error) {
	encoding := "console"
	encodeLevel := zapcore.CapitalColorLevelEncoder
	if opts.Format == "json" {
		encoding = "json"
		encodeLevel = zapcore.LowercaseLevelEncoder
	}

	output := opts.Output
	if output == "" {
		output = "stdout"
	}
	if output != "stdout" && output != "stderr" {
		// colors only make sense on a terminal
		encodeLevel = zapcore.LowercaseLevelEncoder
	}

	loggerCfg := zap.Config{
		Level:    ParseLevel(opts.Level),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "severity",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeLevel:    encodeLevel,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	return loggerCfg.Build(zap.AddStacktrace(zap.DPanicLevel))
}

// ParseLevel maps a configured level name onto a zap level, defaulting to info.
func ParseLevel(level string) zap.AtomicLevel {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return lvl
}
