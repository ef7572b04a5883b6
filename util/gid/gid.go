/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 21 10:02:16 2019 mstenber
 * Last modified: Thu Feb 21 10:20:40 2019 mstenber
 * Edit time:     8 min
 *
 */

// gid reads the id of the calling goroutine from its stack header
// ("goroutine 42 [running]:"). Diagnostics only: lock order checking
// and the debug trace use it.
package gid

import (
	"bytes"
	"runtime"
)

var header = []byte("goroutine ")

// GetGoroutineID returns the id, or 0 if the header is not
// recognized.
func GetGoroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	if !bytes.HasPrefix(b, header) {
		return 0
	}
	var id uint64
	for _, c := range b[len(header):] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
