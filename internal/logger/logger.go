// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	DevMode  bool   `env:"LOG_DEV_MODE" envDefault:"false"`
}

// Logger is the logging surface used across the program.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Fatalf(template string, args ...interface{})

	// With returns a child logger that adds the given key/value
	// pairs to every entry.
	With(keysAndValues ...interface{}) Logger

	Sync() error
	Logger() *zap.Logger
}

type appLogger struct {
	sugar *zap.SugaredLogger
}

var levels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"fatal": zapcore.FatalLevel,
}

func level(name string) zapcore.Level {
	if l, ok := levels[strings.ToLower(name)]; ok {
		return l
	}
	return zapcore.InfoLevel
}

// New builds a zap backed Logger.  Development mode switches to the
// console encoder with colored levels.
func New(cfg *Config) (Logger, error) {
	var zc zap.Config
	if cfg.DevMode {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "time"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level(cfg.LogLevel))

	l, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &appLogger{sugar: l.Sugar()}, nil
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &appLogger{sugar: zap.NewNop().Sugar()}
}

func (l *appLogger) Debug(args ...interface{}) { l.sugar.Debug(args...) }

func (l *appLogger) Debugf(template string, args ...interface{}) { l.sugar.Debugf(template, args...) }

func (l *appLogger) Info(args ...interface{}) { l.sugar.Info(args...) }

func (l *appLogger) Infof(template string, args ...interface{}) { l.sugar.Infof(template, args...) }

func (l *appLogger) Warn(args ...interface{}) { l.sugar.Warn(args...) }

func (l *appLogger) Warnf(template string, args ...interface{}) { l.sugar.Warnf(template, args...) }

func (l *appLogger) Error(args ...interface{}) { l.sugar.Error(args...) }

func (l *appLogger) Errorf(template string, args ...interface{}) { l.sugar.Errorf(template, args...) }

func (l *appLogger) Fatalf(template string, args ...interface{}) { l.sugar.Fatalf(template, args...) }

func (l *appLogger) With(keysAndValues ...interface{}) Logger {
	return &appLogger{sugar: l.sugar.With(keysAndValues...)}
}

func (l *appLogger) Sync() error { return l.sugar.Sync() }

func (l *appLogger) Logger() *zap.Logger { return l.sugar.Desugar() }

// CronLogger adapts a Logger to the logging interface expected by
// github.com/robfig/cron/v3.
type CronLogger struct {
	L Logger
}

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.L.With(keysAndValues...).Debug(msg)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.L.With(append(keysAndValues, "error", err)...).Error(msg)
}
