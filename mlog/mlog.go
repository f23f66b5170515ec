/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosqout.
 *
 * mosqout is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosqout is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package mlog provides the logger capability consumed by the outbound
// query engine. The engine never reaches into a package-level logger; it
// takes one explicitly at construction time (the logger argument of
// outbound.Create).
// This package only supplies a convenient default for callers that don't
// care to wire their own.
package mlog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	nop = zap.NewNop()
)

// Nop returns a logger that discards everything. Safe to use as a
// zero-value placeholder wherever a non-nil *zap.Logger is required.
func Nop() *zap.Logger {
	return nop
}

// Config describes how to build a default logger for an engine instance.
type Config struct {
	// Level, see zapcore.ParseLevel.
	Level string `yaml:"level" mapstructure:"level"`

	// Production enables json output. Default is console encoding.
	Production bool `yaml:"production" mapstructure:"production"`

	// OmitTime omits the time field, useful for deterministic test output.
	OmitTime bool `yaml:"omit_time" mapstructure:"omit_time"`
}

// New builds a *zap.Logger from c. A zero Config yields an info-level
// console logger writing to stderr.
func New(c Config) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if len(c.Level) > 0 {
		var err error
		lvl, err = zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		MessageKey:     "msg",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if c.OmitTime {
		ec.TimeKey = ""
	}

	var enc zapcore.Encoder
	if c.Production {
		enc = zapcore.NewJSONEncoder(ec)
	} else {
		enc = zapcore.NewConsoleEncoder(ec)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(newStderr())), lvl)
	return zap.New(core), nil
}

// OrNop returns l if it is non-nil, otherwise a logger that discards
// everything.
func OrNop(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return nop
}
