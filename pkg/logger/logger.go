// Copyright 2025 Kadir Pekel
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

// Package logger configures the process-wide slog default: a terse
// human-readable text handler (colored on terminals), an optional
// timestamped verbose mode, and a filter that keeps third-party
// library chatter out of the log unless the level is debug.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// modulePrefix identifies this module's own log call sites; everything
// else is treated as third-party.
const modulePrefix = "github.com/kadirpekel/flowcore"

// ParseLevel reads a debug/info/warn/error string. Unknown levels are
// an error rather than a silent default; a typo in LOG_LEVEL should
// stop the boot, not quietly change verbosity.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logger: unknown level %q (debug, info, warn, or error)", s)
	}
}

// Init installs the process-wide slog default. format is "simple"
// (level and message), "verbose" (timestamped), or anything else for
// stock slog text output.
func Init(level slog.Level, output *os.File, format string) {
	var inner slog.Handler
	switch format {
	case "", "simple":
		inner = &textHandler{out: output, level: level, color: isTerminal(output)}
	case "verbose":
		inner = &textHandler{out: output, level: level, color: isTerminal(output), timestamps: true}
	default:
		inner = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level})
	}

	slog.SetDefault(slog.New(&moduleFilter{inner: inner, level: level}))
}

// moduleFilter drops records emitted from outside this module unless
// the level is debug, so a chatty dependency cannot flood the log.
type moduleFilter struct {
	inner slog.Handler
	level slog.Level
}

func (f *moduleFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= f.level && f.inner.Enabled(ctx, level)
}

func (f *moduleFilter) Handle(ctx context.Context, rec slog.Record) error {
	if f.level > slog.LevelDebug && rec.PC != 0 && !fromModule(rec.PC) {
		return nil
	}
	return f.inner.Handle(ctx, rec)
}

func (f *moduleFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &moduleFilter{inner: f.inner.WithAttrs(attrs), level: f.level}
}

func (f *moduleFilter) WithGroup(name string) slog.Handler {
	return &moduleFilter{inner: f.inner.WithGroup(name), level: f.level}
}

func fromModule(pc uintptr) bool {
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	return strings.HasPrefix(frame.Function, modulePrefix)
}

// textHandler renders "LEVEL message key=value ...", optionally
// timestamped and colored. Deliberately minimal: structured log
// shipping goes through the verbose/stock formats, this one is for
// humans watching a terminal.
type textHandler struct {
	out        *os.File
	level      slog.Level
	color      bool
	timestamps bool
	attrs      []slog.Attr
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *textHandler) Handle(_ context.Context, rec slog.Record) error {
	var b strings.Builder

	if h.timestamps {
		b.WriteString(rec.Time.Format("2006-01-02 15:04:05.000 "))
	}

	label := levelLabel(rec.Level)
	if h.color {
		b.WriteString(levelColor(rec.Level))
		b.WriteString(label)
		b.WriteString("\x1b[0m")
	} else {
		b.WriteString(label)
	}
	b.WriteByte(' ')
	b.WriteString(rec.Message)

	writeAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	rec.Attrs(writeAttr)

	b.WriteByte('\n')
	_, err := h.out.WriteString(b.String())
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

// WithGroup flattens groups; the simple format has no nesting.
func (h *textHandler) WithGroup(string) slog.Handler { return h }

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\x1b[31m" // red
	case level >= slog.LevelWarn:
		return "\x1b[33m" // yellow
	case level >= slog.LevelInfo:
		return "\x1b[32m" // green
	default:
		return "\x1b[36m" // cyan
	}
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// OpenLogFile opens (appending) the log file a deployment configured,
// returning the file and a close func for main's defer.
func OpenLogFile(path string) (*os.File, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: open %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}
