//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package log

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

type capturingLogger struct {
	lines []string
}

func (c *capturingLogger) log(level, format string, args ...any) {
	c.lines = append(c.lines, level+": "+fmt.Sprintf(format, args...))
}

func (c *capturingLogger) Debug(args ...any)                 { c.log("debug", "%s", fmt.Sprint(args...)) }
func (c *capturingLogger) Debugf(format string, args ...any) { c.log("debug", format, args...) }
func (c *capturingLogger) Info(args ...any)                  { c.log("info", "%s", fmt.Sprint(args...)) }
func (c *capturingLogger) Infof(format string, args ...any)  { c.log("info", format, args...) }
func (c *capturingLogger) Warn(args ...any)                  { c.log("warn", "%s", fmt.Sprint(args...)) }
func (c *capturingLogger) Warnf(format string, args ...any)  { c.log("warn", format, args...) }
func (c *capturingLogger) Error(args ...any)                 { c.log("error", "%s", fmt.Sprint(args...)) }
func (c *capturingLogger) Errorf(format string, args ...any) { c.log("error", format, args...) }
func (c *capturingLogger) Fatal(args ...any)                 { c.log("fatal", "%s", fmt.Sprint(args...)) }
func (c *capturingLogger) Fatalf(format string, args ...any) { c.log("fatal", format, args...) }

func TestPackageFunctionsUseDefault(t *testing.T) {
	captured := &capturingLogger{}
	old := Default
	Default = captured
	defer func() { Default = old }()

	Debugf("d %d", 1)
	Infof("i %d", 2)
	Warnf("w %d", 3)
	Errorf("e %d", 4)

	assert.Equal(t, []string{"debug: d 1", "info: i 2", "warn: w 3", "error: e 4"}, captured.lines)
}

func TestSetLevel(t *testing.T) {
	defer SetLevel(LevelInfo)

	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{LevelDebug, zapcore.DebugLevel},
		{LevelInfo, zapcore.InfoLevel},
		{LevelWarn, zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
		{LevelFatal, zapcore.FatalLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		SetLevel(tt.level)
		assert.Equal(t, tt.want, zapLevel.Level(), tt.level)
	}
}
