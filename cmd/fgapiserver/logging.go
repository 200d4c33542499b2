package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fgateway/fgapiserver/internal/redact"
)

// newLogger logs to out, using the console encoder on a terminal and JSON
// lines otherwise. Every entry passes through r.
func newLogger(level string, out *os.File, r *redact.Redactor) (*zap.Logger, error) {
	console := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	return buildLogger(level, zapcore.Lock(out), console, r)
}

func buildLogger(level string, sink zapcore.WriteSyncer, console bool, r *redact.Redactor) (*zap.Logger, error) {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if console {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := redact.Core(zapcore.NewCore(enc, sink, lvl), r)
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(sink)), nil
}
