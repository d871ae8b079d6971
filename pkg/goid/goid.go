// Package goid reports the id of the calling goroutine. It lets callbacks
// recognise re-entry from the goroutine that invoked them.
package goid

import (
	"bytes"
	"runtime"
	"strconv"
)

// ID returns the current goroutine's id, or -1 if the stack header cannot
// be parsed. Ids are positive, so 0 is free to mean "no goroutine".
func ID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(field, ' '); i > 0 {
		field = field[:i]
	}
	id, err := strconv.ParseInt(string(field), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
