// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package logging carries the minimal structured logging interface shared
// by the rate-control components. Integrators can plug in their own logger
// without pulling extra dependencies; every component defaults to Nop.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Level controls which log messages are emitted by the std logger.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the logging interface consumed by the rate-control components.
// Key/value pairs follow the message as alternating key, value arguments.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// Nop drops all log messages.
type Nop struct{}

func (Nop) Debug(string, ...any) {}
func (Nop) Info(string, ...any)  {}
func (Nop) Warn(string, ...any)  {}
func (Nop) Error(string, ...any) {}

// Std writes log messages to stderr with a simple level filter.
type Std struct {
	logger   *log.Logger
	minLevel Level
}

// NewStd returns a logger printing to stderr with RFC3339 timestamps.
func NewStd(minLevel Level) *Std {
	return &Std{
		logger:   log.New(os.Stderr, "", 0),
		minLevel: minLevel,
	}
}

func (l *Std) Debug(msg string, kv ...any) { l.log(LevelDebug, "DEBUG", msg, kv...) }
func (l *Std) Info(msg string, kv ...any)  { l.log(LevelInfo, "INFO", msg, kv...) }
func (l *Std) Warn(msg string, kv ...any)  { l.log(LevelWarn, "WARN", msg, kv...) }
func (l *Std) Error(msg string, kv ...any) { l.log(LevelError, "ERROR", msg, kv...) }

func (l *Std) log(level Level, label string, msg string, kv ...any) {
	if l == nil || l.logger == nil {
		return
	}
	if level < l.minLevel {
		return
	}

	payload := msg
	if len(kv) > 0 {
		payload = msg + " " + formatKV(kv...)
	}
	l.logger.Printf("%s [%s] %s", time.Now().Format(time.RFC3339), label, payload)
}

func formatKV(kv ...any) string {
	pairs := make([]string, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key := kv[i]
		var value any
		if i+1 < len(kv) {
			value = kv[i+1]
		}
		pairs = append(pairs, fmt.Sprintf("%v=%v", key, value))
	}
	return strings.Join(pairs, " ")
}
