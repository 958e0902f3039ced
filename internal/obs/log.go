// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package obs is the ambient observability layer: structured logging and
// the process-wide Prometheus counters/gauges that back the pipeline's
// health and stats surfaces.
package obs

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once   sync.Once
	logger *zap.Logger
)

// Level is the configured minimum severity a logger emits.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Init configures the package-wide logger. structuredLogs selects JSON
// (production) vs console encoding; it is safe to call Init more than
// once only from tests, which should use NewNop instead.
func Init(level Level, structuredLogs bool) {
	once.Do(func() {
		logger = build(level, structuredLogs)
	})
}

func build(level Level, structuredLogs bool) *zap.Logger {
	zl := zapcore.InfoLevel
	switch level {
	case LevelDebug:
		zl = zapcore.DebugLevel
	case LevelWarn:
		zl = zapcore.WarnLevel
	case LevelError:
		zl = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if structuredLogs {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zl)
	return zap.New(core)
}

// L returns the process logger, defaulting to a sane production logger
// if Init was never called (e.g. in a test binary).
func L() *zap.Logger {
	if logger == nil {
		Init(LevelInfo, true)
	}
	return logger
}

// Named returns a child logger scoped to a component, prefixing every
// log line it emits with that subsystem's name.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// NewNop installs a no-op logger; intended for use from tests only.
func NewNop() {
	logger = zap.NewNop()
}
