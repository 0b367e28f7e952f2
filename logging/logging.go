// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Package logging constructs the structured logger shared by the powerlog
// processes. Records are written to a console sink and, optionally, to a
// size-rotated JSON log file. The two sinks have independent levels.
//
// Verbosity V(1) enables per-message protocol tracing; it is visible when the
// corresponding sink is at level "debug".
package logging

import (
	"io"

	"github.com/battery-analytics/pipetalk/config"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// A Logger is a logr.Logger together with the sinks it writes.
type Logger struct {
	logr.Logger

	Console zap.AtomicLevel
	File    zap.AtomicLevel

	z    *zap.Logger
	file *lumberjack.Logger // nil if there is no file sink
}

// New constructs a logger that writes to console and, if cfg.File is set, to
// a rotated log file. A nil console discards console output.
func New(cfg config.LoggingConfig, console io.Writer) (*Logger, error) {
	clevel, err := zap.ParseAtomicLevel(orInfo(cfg.Level))
	if err != nil {
		return nil, err
	}
	flevel, err := zap.ParseAtomicLevel(orInfo(cfg.FileLevel))
	if err != nil {
		return nil, err
	}
	if console == nil {
		console = io.Discard
	}

	zc := zap.NewDevelopmentEncoderConfig()
	zc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zc.EncodeTime = zapcore.TimeEncoderOfLayout("02/01 15:04:05")
	cores := []zapcore.Core{
		&removeCallerCore{zapcore.NewCore(zapcore.NewConsoleEncoder(zc), zapcore.AddSync(console), clevel)},
	}

	out := &Logger{Console: clevel, File: flevel}
	if cfg.File != "" {
		out.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		zf := zap.NewProductionEncoderConfig()
		zf.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zf), zapcore.AddSync(out.file), flevel))
	}

	// Caller information is recorded for the file and trimmed from the console.
	out.z = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	out.Logger = zapr.NewLogger(out.z)
	return out, nil
}

// Close flushes buffered records and closes the log file, if any.
func (l *Logger) Close() error {
	l.z.Sync() // fails on some console devices; not actionable
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Rotate closes the current log file and opens a new one.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

func orInfo(s string) string {
	if s == "" {
		return "info"
	}
	return s
}

type removeCallerCore struct {
	zapcore.Core
}

func (c *removeCallerCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Check(entry, nil) == nil {
		return ce
	}
	return ce.AddCore(entry, c)
}

func (c *removeCallerCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Caller = zapcore.EntryCaller{}
	return c.Core.Write(entry, fields)
}

func (c *removeCallerCore) With(fields []zapcore.Field) zapcore.Core {
	return &removeCallerCore{c.Core.With(fields)}
}
