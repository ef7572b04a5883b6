/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sat Dec 30 13:41:33 2017 mstenber
 * Last modified: Mon Feb 11 10:02:41 2019 mstenber
 * Edit time:     131 min
 *
 */

// mlog is maybe-log, or Markus' log. It has two faces:
//
// - Printf/Printf2 debug tracing, which is off by default and enabled
// per file with a regular expression (MLOG environment variable or
// -mlog flag); what is not printed causes no overhead, and call stack
// depth is used to indent the output automatically
//
// - Infof/Warnf/Errorf state change logging, which is always on
//
// Both end up in the same logrus logger, tagged with the file they
// came from.
package mlog

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fingon/go-blockmaster/util/gid"
	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Level = logrus.DebugLevel
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	}
	return l
}

const (
	StateUninitialized int32 = iota
	StateInitializing
	StateDisabled
	StateEnabled
)

// This can be used by anyone, with the atomic access
var status int32 = StateUninitialized

var mutex sync.Mutex

// Everything else must be used only with mutex held
var flagPattern *string
var pattern string
var patternRegexp *regexp.Regexp
var file2Debug map[string]*bool
var minDepth int
var callers []uintptr

const maxDepth = 100

func init() {
	flagPattern = flag.String("mlog", "", "Enable logging based on the given file/line regular expression")
	reset()
}

// reset returns the module to its factory default state. The first
// subsequent log call will re-initialize the internal datastructures.
func reset() {
	mutex.Lock()
	defer mutex.Unlock()
	atomic.StoreInt32(&status, StateUninitialized)
	minDepth = maxDepth
	callers = make([]uintptr, maxDepth)
}

// IsEnabled can be used to check if debug tracing is in use at all
// before doing something expensive.
func IsEnabled() bool {
	st := atomic.LoadInt32(&status)
	return st != StateDisabled
}

// SetLogger overrides the logger used for output. The returned undo
// function changes the logger back to the old one.
func SetLogger(l *logrus.Logger) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	oldLogger := logger
	logger = l
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = oldLogger
	}
}

// SetPattern sets the debug pattern by hand, overriding the
// environment variable-provided values. The returned undo function
// can be used to change the state back to old one.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	oldPattern := pattern
	initializeWithPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		initializeWithPattern(oldPattern)
	}
}

func initializeWithPattern(p string) {
	if p == "" {
		atomic.StoreInt32(&status, StateDisabled)
		pattern = p
		return
	}
	patternRegexp = regexp.MustCompile(p)
	file2Debug = make(map[string]*bool)
	minDepth = maxDepth
	atomic.StoreInt32(&status, StateEnabled)
	pattern = p
}

func initialize() {
	if !atomic.CompareAndSwapInt32(&status, StateUninitialized, StateInitializing) {
		return
	}
	pattern := os.Getenv("MLOG")
	if *flagPattern != "" {
		pattern = *flagPattern
	}
	initializeWithPattern(pattern)
}

// Printf is drop-in replacement of log.Printf. However, it still does
// runtime.Caller() if MLOG is enabled at all, which may be
// suboptimal.
func Printf(format string, args ...interface{}) {
	st := atomic.LoadInt32(&status)
	if st == StateDisabled {
		return
	}
	// This is BY FAR the most expensive operation
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return
	}
	Printf2(file, format, args...)
}

var dumpGids = true

// Printf2 is the premier choice instead of Printf. It is supplied
// with the name of the file, and therefore has no runtime penalty to
// speak of when using only partial MLOG match.
func Printf2(file string, format string, args ...interface{}) {
	st := atomic.LoadInt32(&status)
	if st == StateDisabled {
		return
	}
	mutex.Lock()
	defer mutex.Unlock()
	if st < StateDisabled {
		initialize()
		st = atomic.LoadInt32(&status)
		if st <= StateDisabled {
			return
		}
	}
	debugp := file2Debug[file]
	if debugp == nil {
		debug := patternRegexp.Find([]byte(file)) != nil
		file2Debug[file] = &debug
		debugp = &debug
	}
	if !*debugp {
		return
	}
	depth := runtime.Callers(1, callers)
	if depth < minDepth {
		minDepth = depth
	}
	depth -= minDepth
	if depth > 0 {
		format = fmt.Sprint(strings.Repeat(".", depth), format)
	}
	entry := logger.WithField("file", file)
	if dumpGids {
		entry = entry.WithField("gid", gid.GetGoroutineID())
	}
	entry.Debugf(format, args...)
}

func currentLogger() *logrus.Logger {
	mutex.Lock()
	defer mutex.Unlock()
	return logger
}

// Infof logs state changes that operators want to see by default
// (e.g. 'BLOCK* ask X to replicate Y').
func Infof(file string, format string, args ...interface{}) {
	currentLogger().WithField("file", file).Infof(format, args...)
}

// Warnf logs unexpected but recoverable conditions.
func Warnf(file string, format string, args ...interface{}) {
	currentLogger().WithField("file", file).Warnf(format, args...)
}

// Errorf logs failures of a single operation or loop iteration.
func Errorf(file string, format string, args ...interface{}) {
	currentLogger().WithField("file", file).Errorf(format, args...)
}
