/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sat Dec 30 14:31:18 2017 mstenber
 * Last modified: Mon Feb 11 10:14:02 2019 mstenber
 * Edit time:     31 min
 *
 */

package mlog

import (
	"bytes"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stvp/assert"
)

// bufferLogger returns logrus logger which emits only the message.
func bufferLogger(b *bytes.Buffer) *logrus.Logger {
	l := logrus.New()
	l.Out = b
	l.Level = logrus.DebugLevel
	l.Formatter = &messageFormatter{}
	return l
}

type messageFormatter struct{}

func (self *messageFormatter) Format(e *logrus.Entry) ([]byte, error) {
	return []byte(e.Message + "\n"), nil
}

func TestMlog(t *testing.T) {
	add := func(pattern string, outputted bool) {
		t.Run(pattern, func(t *testing.T) {
			var b bytes.Buffer
			defer SetLogger(bufferLogger(&b))()
			defer SetPattern(pattern)()
			Printf("foo %s", "bar")
			assert.True(t, len(b.Bytes()) == 0 == !outputted)
			if outputted {
				assert.True(t, strings.HasSuffix(b.String(), "foo bar\n"))
			}
		})
	}
	add("", false)
	add("zzzglorb", false)
	add("mlog_test", true)
}

func TestMLogRecursion(t *testing.T) {
	var b bytes.Buffer
	reset()
	defer SetLogger(bufferLogger(&b))()
	defer SetPattern(".")()
	Printf("d0")
	func() {
		Printf("d1")
		func() {
			Printf("d2")
		}()
		Printf("D1")
	}()
	Printf("D0")
	assert.Equal(t, b.String(), "d0\n.d1\n..d2\n.D1\nD0\n")
}

func TestInfofAlwaysOn(t *testing.T) {
	var b bytes.Buffer
	defer SetLogger(bufferLogger(&b))()
	defer SetPattern("")()
	Printf2("x", "hidden")
	Infof("x", "STATE* %s", "visible")
	Warnf("x", "warn")
	assert.Equal(t, b.String(), "STATE* visible\nwarn\n")
}

func BenchmarkMlogDisabled(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Printf("x")
	}
}

func BenchmarkMlogDisabled3(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Printf2("x", "y", 42)
	}
}

func BenchmarkMlogNotMatching(b *testing.B) {
	defer SetPattern("zzglorb")()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Printf("x")
	}
}

func BenchmarkRuntimeCaller(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		runtime.Caller(1)
	}
}

func BenchmarkRuntimeRegexFind(b *testing.B) {
	s := "foobar"
	r := regexp.MustCompile("z")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Find([]byte(s))
	}
}

func BenchmarkMutexLockUnlock(b *testing.B) {
	var m sync.Mutex
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Lock()
		m.Unlock()
	}
}
