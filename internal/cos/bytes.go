// Package cos provides common low-level types and utilities shared by the
// transport, protocol, RAID, codec, and store-engine packages.
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package cos

import "unsafe"

// byte-size shifts, used throughout for block-size and quota arithmetic
const (
	KiB = 1 << (10 * (iota + 1))
	MiB
	GiB
)

// MLCG32 is the multiplicative-congruential seed used to whiten xxhash
// digests before they're fed into rendezvous hashing (see internal/raid
// and internal/xoshiro256); keeping this split out of the hashing packages
// themselves lets every digest consumer agree on the same seed.
const MLCG32 = 2654435761

// UnsafeB reinterprets s as a []byte without copying. The caller must never
// mutate the result, and the result must not outlive s.
func UnsafeB(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// UnsafeS reinterprets b as a string without copying. The caller must not
// mutate b for as long as the returned string is in use.
func UnsafeS(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
