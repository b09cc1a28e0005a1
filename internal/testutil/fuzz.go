// Package testutil holds helpers shared by the wire fuzz targets.
package testutil

import (
	"bytes"
	"testing"
	"time"
)

const (
	// FrameBudget is one chat frame at its cap plus the length prefix.
	FrameBudget = 4 + 256<<10
	// PacketBudget bounds inputs handed straight to the packet decoder.
	PacketBudget   = 64 << 10
	DecodeDeadline = 250 * time.Millisecond
)

func Truncate(b []byte, budget int) []byte {
	if budget > 0 && len(b) > budget {
		return b[:budget]
	}
	return b
}

// DecodeWithin fails t if fn has not returned after d.
func DecodeWithin(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DecodeDeadline
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("decode still running after %s", d)
	}
}

// ReadStream calls next until it returns an error that skip does not
// accept or the input is used up, and returns how many calls succeeded.
// A call that consumes no input fails t, since a reader loop built on
// next would spin.
func ReadStream(t testing.TB, data []byte, skip func(error) bool, next func(*bytes.Reader) error) int {
	t.Helper()
	r := bytes.NewReader(data)
	ok := 0
	for r.Len() > 0 {
		before := r.Len()
		err := next(r)
		if r.Len() == before {
			t.Fatalf("read made no progress with %d bytes left (err=%v)", before, err)
		}
		switch {
		case err == nil:
			ok++
		case skip != nil && skip(err):
		default:
			return ok
		}
	}
	return ok
}
