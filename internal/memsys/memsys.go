// Package memsys provides small slab-based buffer pooling for the byte
// windows C1/C2/C3 pipe stream transfers through, so a session servicing a
// multi-gigabyte upload never buffers the whole stream (§5 "Memory").
// Adapted from the upstream store's memsys package; the background
// size-adaptive reclaim goroutine of the original is dropped in favor of a
// plain sync.Pool per slab size, since this store's per-session memory
// ceiling is already bounded by the configured max object size rather than
// a process-wide free-RAM target.
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package memsys

import "sync"

// Slab sizes chosen to cover the protocol's fixed object-frame ceiling
// (default 16KiB, §4.2) and the common RAID block sizes (§4.3) without
// over-allocating for small control messages.
const (
	PageSize  = 4 << 10
	SlabSmall = 16 << 10
	SlabLarge = 256 << 10
)

// MMSA (Memory Manager / Slab Allocator) hands out and reclaims fixed-size
// byte slices. The zero value is ready to use.
type MMSA struct {
	Name string

	small sync.Pool
	large sync.Pool
}

func (mm *MMSA) init() {
	if mm.small.New == nil {
		mm.small.New = func() any { return make([]byte, SlabSmall) }
	}
	if mm.large.New == nil {
		mm.large.New = func() any { return make([]byte, SlabLarge) }
	}
}

// Alloc returns a buffer of at least size bytes. Buffers larger than a
// large slab are allocated directly and never pooled.
func (mm *MMSA) Alloc(size int) []byte {
	mm.init()
	switch {
	case size <= SlabSmall:
		return mm.small.Get().([]byte)[:size]
	case size <= SlabLarge:
		return mm.large.Get().([]byte)[:size]
	default:
		return make([]byte, size)
	}
}

// Free returns buf to its pool. Buffers not originally obtained from Alloc
// (including oversize allocations) are silently dropped.
func (mm *MMSA) Free(buf []byte) {
	mm.init()
	switch cap(buf) {
	case SlabSmall:
		mm.small.Put(buf[:SlabSmall])
	case SlabLarge:
		mm.large.Put(buf[:SlabLarge])
	}
}

var defaultMM = &MMSA{Name: "default"}

// Default returns the process-wide allocator used where a caller has no
// reason to keep its own pool (most transport/protocol buffers).
func Default() *MMSA { return defaultMM }
