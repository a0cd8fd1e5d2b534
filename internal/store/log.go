package store

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewAppLogger builds the append-only structured log of spec.md §4.9/§6:
// every line is plain text with zap's console separator " - " between all
// fields, so a line reads "<timestamp> - <LEVEL> - <message>" (followed by
// any structured fields), not the exact "<timestamp> <LEVEL> - <message>"
// form. The returned SugaredLogger still
// carries structured fields for development-mode inspection. Grounded on
// two independent pack repos standardizing on zap for exactly this
// concern (see DESIGN.md); timeFormat is the configured wall-clock format
// from spec.md §6.
func NewAppLogger(writer zapcore.WriteSyncer, timeFormat string, level zapcore.Level) *zap.SugaredLogger {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     timeEncoder(timeFormat),
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		ConsoleSeparator: " - ",
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), writer, level)
	return zap.New(core).Sugar()
}

func timeEncoder(format string) zapcore.TimeEncoder {
	if format == "" {
		format = time.RFC3339
	}
	return func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(format))
	}
}
