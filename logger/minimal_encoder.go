package logger

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"

	// Muted palette, easy on eyes during long worker sessions
	colorFg     = "\x1b[38;5;223m" // soft cream
	colorAqua   = "\x1b[38;5;108m" // muted cyan-green
	colorYellow = "\x1b[38;5;214m" // soft yellow
	colorRed    = "\x1b[38;5;167m" // warm red
	colorDim    = "\x1b[38;5;245m" // gray for field keys
)

var bufferPool = buffer.NewPool()

// minimalEncoder renders log entries as "HH:MM:SS  message  key=value ..."
// with level expressed through color rather than a level token. Warnings and
// errors keep an explicit tag so they survive un-colored terminals.
type minimalEncoder struct {
	zapcore.Encoder
	cfg zapcore.EncoderConfig
}

func newMinimalEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	return &minimalEncoder{
		Encoder: zapcore.NewJSONEncoder(cfg),
		cfg:     cfg,
	}
}

func (e *minimalEncoder) Clone() zapcore.Encoder {
	return &minimalEncoder{Encoder: e.Encoder.Clone(), cfg: e.cfg}
}

func levelColor(lvl zapcore.Level) string {
	switch {
	case lvl >= zapcore.ErrorLevel:
		return colorRed
	case lvl == zapcore.WarnLevel:
		return colorYellow
	case lvl == zapcore.DebugLevel:
		return colorAqua
	default:
		return colorFg
	}
}

func (e *minimalEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line := bufferPool.Get()

	line.AppendString(colorDim)
	line.AppendString(entry.Time.Format("15:04:05"))
	line.AppendString(colorReset)
	line.AppendString("  ")

	if entry.LoggerName != "" {
		line.AppendString(colorAqua)
		line.AppendString(entry.LoggerName)
		line.AppendString(colorReset)
		line.AppendString(" ")
	}

	switch {
	case entry.Level >= zapcore.ErrorLevel:
		line.AppendString(colorBold + colorRed + "ERROR " + colorReset)
	case entry.Level == zapcore.WarnLevel:
		line.AppendString(colorYellow + "WARN " + colorReset)
	}

	line.AppendString(levelColor(entry.Level))
	line.AppendString(entry.Message)
	line.AppendString(colorReset)

	for _, f := range fields {
		line.AppendString("  ")
		line.AppendString(colorDim)
		line.AppendString(f.Key)
		line.AppendString("=")
		line.AppendString(colorReset)
		appendFieldValue(line, f)
	}

	line.AppendString(zapcore.DefaultLineEnding)
	return line, nil
}

// appendFieldValue renders a field without the JSON encoder's quoting noise.
// Complex values (objects, arrays, errors with stacks) fall back to %v.
func appendFieldValue(line *buffer.Buffer, f zapcore.Field) {
	switch f.Type {
	case zapcore.StringType:
		line.AppendString(f.String)
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
		line.AppendInt(f.Integer)
	case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		line.AppendUint(uint64(f.Integer))
	case zapcore.BoolType:
		line.AppendBool(f.Integer == 1)
	case zapcore.Float64Type:
		fmt.Fprintf(line, "%g", math.Float64frombits(uint64(f.Integer)))
	case zapcore.Float32Type:
		fmt.Fprintf(line, "%g", math.Float32frombits(uint32(f.Integer)))
	case zapcore.DurationType:
		line.AppendString(time.Duration(f.Integer).String())
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			line.AppendString(colorRed)
			line.AppendString(err.Error())
			line.AppendString(colorReset)
			return
		}
		fmt.Fprintf(line, "%v", f.Interface)
	default:
		fmt.Fprintf(line, "%v", f.Interface)
	}
}
