// Package mono provides a low-level monotonic clock, used to time each
// command's service latency.
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package mono

import "time"

// start anchors NanoTime readings; it carries the monotonic clock reading
// that time.Since measures against.
var start = time.Now()

// NanoTime returns a monotonic reading in nanoseconds, suitable only for
// measuring elapsed time (never for wall-clock display).
//
// The original store daemon this package is modeled on links directly
// against the runtime's nanotime symbol via go:linkname; that trick is
// unstable across Go versions and is refused by upstream vet/toolchain
// lockdowns, so this measures elapsed time off time.Now's monotonic
// reading instead, which the runtime guarantees is cheap and safe to call.
func NanoTime() int64 { return int64(time.Since(start)) }

// Since returns the elapsed duration since a NanoTime reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
