// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package log

import (
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})
	// Fatalf is an alias for Fatal.
	Fatalf(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string

	// SlogHandler returns a slog.Handler emitting through this Logger.
	SlogHandler() slog.Handler
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

// logging tracks the global state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	dbgmap  srcmap
	forced  map[string]bool
	prefix  bool
	maxlen  int
	loggers map[string]logger
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		forced:  make(map[string]bool),
		loggers: make(map[string]logger),
	}
	deflog = log.get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the lowest severity level of messages emitted.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// SetStdLogger redirects the standard library logger to the given source.
func SetStdLogger(source string) {
	var l Logger
	if source == "" {
		l = deflog
	} else {
		l = log.get(source)
	}
	stdlog.SetFlags(0)
	stdlog.SetOutput(&writer{l: l})
}

// SetupDebugToggleSignal sets up a signal handler to toggle full debugging on and off.
func SetupDebugToggleSignal(sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		for range ch {
			log.Lock()
			state := !log.dbgmap["*"]
			log.dbgmap["*"] = state
			log.Unlock()
			deflog.Warn("debugging toggled %s by signal %v", map[bool]string{true: "on", false: "off"}[state], sig)
		}
	}()
}

func (log *logging) get(source string) logger {
	log.RLock()
	l, ok := log.loggers[source]
	log.RUnlock()
	if ok {
		return l
	}

	log.Lock()
	defer log.Unlock()
	if l, ok = log.loggers[source]; ok {
		return l
	}
	l = logger{source: source}
	log.loggers[source] = l
	if len(source) > log.maxlen {
		log.maxlen = len(source)
	}
	return l
}

// setDbgMap updates the debug source map. The caller must hold the lock.
func (log *logging) setDbgMap(m srcmap) {
	log.dbgmap = m
}

// setPrefix updates source prefixing. The caller must hold the lock.
func (log *logging) setPrefix(prefix bool) {
	log.prefix = prefix
}

func (log *logging) debugEnabled(source string) bool {
	log.RLock()
	defer log.RUnlock()
	if state, ok := log.forced[source]; ok {
		return state
	}
	if state, ok := log.dbgmap[source]; ok {
		return state
	}
	return log.dbgmap["*"]
}

func (log *logging) enabled(level Level) bool {
	log.RLock()
	defer log.RUnlock()
	return log.level <= level
}

func (log *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	log.RLock()
	defer log.RUnlock()
	if !log.prefix {
		return msg
	}
	return fmt.Sprintf("[%-*s] %s", log.maxlen, source, msg)
}

func (l logger) emit(level Level, format string, args ...interface{}) {
	msg := log.format(l.source, format, args...)
	switch level {
	case LevelDebug, LevelInfo:
		klog.InfoDepth(2, msg)
	case LevelWarn:
		klog.WarningDepth(2, msg)
	default:
		klog.ErrorDepth(2, msg)
	}
}

func (l logger) block(level Level, prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		l.emit(level, "%s%s", prefix, line)
	}
}

func (l logger) Debug(format string, args ...interface{}) {
	if l.DebugEnabled() {
		l.emit(LevelDebug, "D: "+format, args...)
	}
}

func (l logger) Info(format string, args ...interface{}) {
	if log.enabled(LevelInfo) {
		l.emit(LevelInfo, format, args...)
	}
}

func (l logger) Warn(format string, args ...interface{}) {
	if log.enabled(LevelWarn) {
		l.emit(LevelWarn, format, args...)
	}
}

func (l logger) Error(format string, args ...interface{}) {
	l.emit(LevelError, format, args...)
}

func (l logger) Fatal(format string, args ...interface{}) {
	l.emit(LevelError, format, args...)
	klog.Flush()
	os.Exit(1)
}

func (l logger) Panic(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.emit(LevelError, "%s", msg)
	panic(msg)
}

func (l logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }
func (l logger) Fatalf(format string, args ...interface{}) { l.Fatal(format, args...) }

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if l.DebugEnabled() {
		l.block(LevelDebug, "D: "+prefix, format, args...)
	}
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if log.enabled(LevelInfo) {
		l.block(LevelInfo, prefix, format, args...)
	}
}

func (l logger) WarnBlock(prefix string, format string, args ...interface{}) {
	if log.enabled(LevelWarn) {
		l.block(LevelWarn, prefix, format, args...)
	}
}

func (l logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	l.block(LevelError, prefix, format, args...)
}

func (l logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()
	old, ok := log.forced[l.source]
	if !ok {
		old = log.dbgmap[l.source] || log.dbgmap["*"]
	}
	log.forced[l.source] = state
	return old
}

func (l logger) DebugEnabled() bool {
	return log.debugEnabled(l.source)
}

func (l logger) Source() string {
	return l.source
}

// writer is an io.Writer emitting lines as informational messages.
type writer struct {
	l Logger
}

func (w *writer) Write(p []byte) (int, error) {
	w.l.Info("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
