// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package logutil adapts a zap.SugaredLogger to the narrow api.Logger
// surface every component in this module depends on.
package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HiveNetCode/distributed-mls/pkg/api"
)

type zapLogger struct {
	sugared *zap.SugaredLogger
}

// New builds a development-configured zap logger at the given level,
// tagged with the caller's member identity, and adapts it to api.Logger.
func New(identity string, debug bool) api.Logger {
	cfg := zap.NewDevelopmentConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}

	sugared := logger.With(zap.String("member", identity)).Sugar()
	return &zapLogger{sugared: sugared}
}

func (l *zapLogger) Debugf(template string, args ...interface{}) { l.sugared.Debugf(template, args...) }
func (l *zapLogger) Infof(template string, args ...interface{})  { l.sugared.Infof(template, args...) }
func (l *zapLogger) Warnf(template string, args ...interface{})  { l.sugared.Warnf(template, args...) }
func (l *zapLogger) Errorf(template string, args ...interface{}) { l.sugared.Errorf(template, args...) }
func (l *zapLogger) Panicf(template string, args ...interface{}) { l.sugared.Panicf(template, args...) }
