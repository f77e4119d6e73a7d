package snowflake

import (
	"runtime"
	"time"
)

// Clock supplies milliseconds since the unix epoch. It is not assumed to be
// strictly monotonic, regressions are detected by the generator.
type Clock interface {
	NowMs() int64
}

type ClockFunc func() int64

func (f ClockFunc) NowMs() int64 { return f() }

var SystemClock Clock = ClockFunc(func() int64 { return time.Now().UnixMilli() })

// WaitStrategy blocks until c reads a millisecond later than last and
// returns that reading. With a real clock it returns within about 1ms.
type WaitStrategy func(c Clock, last int64) int64

// Spin re-reads the clock in a tight loop. This is a hot spin, it holds a
// CPU for the remainder of the current millisecond.
func Spin(c Clock, last int64) int64 {
	ts := c.NowMs()
	for ts <= last {
		ts = c.NowMs()
	}
	return ts
}

// Yield is Spin with a scheduler yield between reads.
func Yield(c Clock, last int64) int64 {
	ts := c.NowMs()
	for ts <= last {
		runtime.Gosched()
		ts = c.NowMs()
	}
	return ts
}
