// Package hk provides a mechanism for registering cleanup functions which
// are invoked at specified intervals, and for the store context (C6) to
// hand off out-of-band one-shot jobs (plain funcs, unnamed) to an external
// worker without blocking a session's command loop (§4.6 "housekeeping
// channel", §9 original_source supplement: old-version/deleted-object
// reaping, RAID staging garbage collection).
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/boxstore/store/internal/nlog"
)

type request struct {
	name     string
	f        func() time.Duration // returns the delay until the next run
	due      time.Time
	initTime time.Duration
	idx      int
}

type reqHeap []*request

func (h reqHeap) Len() int            { return len(h) }
func (h reqHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h reqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].idx, h[j].idx = i, j }
func (h *reqHeap) Push(x any)         { r := x.(*request); r.idx = len(*h); *h = append(*h, r) }
func (h *reqHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// Housekeeper runs registered callbacks on their own schedule, and serves
// as the "housekeeping channel" of §4.6: storectx.SendMessageToHousekeeping
// enqueues a named one-shot job that Housekeeper runs on its own goroutine,
// never on the session's.
type Housekeeper struct {
	mu       sync.Mutex
	h        reqHeap
	byName   map[string]*request
	wakeCh   chan struct{}
	stopCh   chan struct{}
	started  chan struct{}
	startOne sync.Once
	jobs     chan func()
}

// New constructs a Housekeeper; call Run in its own goroutine and WaitStarted
// to block until the run-loop is servicing registrations.
func New() *Housekeeper {
	return &Housekeeper{
		byName:  make(map[string]*request),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		started: make(chan struct{}),
		jobs:    make(chan func(), 64),
	}
}

// Reg registers f to run first after initTime, and subsequently after
// whatever delay f itself returns (0 or negative unregisters it).
func (hk *Housekeeper) Reg(name string, f func() time.Duration, initTime time.Duration) {
	hk.mu.Lock()
	r := &request{name: name, f: f, due: time.Now().Add(initTime), initTime: initTime}
	hk.byName[name] = r
	heap.Push(&hk.h, r)
	hk.mu.Unlock()
	hk.wake()
}

func (hk *Housekeeper) Unreg(name string) {
	hk.mu.Lock()
	if r, ok := hk.byName[name]; ok {
		heap.Remove(&hk.h, r.idx)
		delete(hk.byName, name)
	}
	hk.mu.Unlock()
}

// SendJob enqueues a one-shot out-of-band job (refcount compaction,
// old-version reaping, staging GC) to run on the housekeeper goroutine.
// Mirrors §4.6's SendMessageToHousekeeping: the caller (a session) never
// blocks on the job's completion.
func (hk *Housekeeper) SendJob(f func()) {
	select {
	case hk.jobs <- f:
	default:
		nlog.Warningln("hk: job queue full, dropping job")
	}
}

func (hk *Housekeeper) wake() {
	select {
	case hk.wakeCh <- struct{}{}:
	default:
	}
}

// Run services registrations and jobs until Stop is called. Intended to be
// started once, in its own goroutine, at daemon startup.
func (hk *Housekeeper) Run() {
	hk.startOne.Do(func() { close(hk.started) })
	for {
		timer := hk.nextTimer()
		select {
		case <-hk.stopCh:
			timer.Stop()
			return
		case job := <-hk.jobs:
			timer.Stop()
			job()
		case <-hk.wakeCh:
			timer.Stop()
		case <-timer.C:
			hk.runDue()
		}
	}
}

func (hk *Housekeeper) nextTimer() *time.Timer {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	if hk.h.Len() == 0 {
		return time.NewTimer(time.Hour)
	}
	d := time.Until(hk.h[0].due)
	if d < 0 {
		d = 0
	}
	return time.NewTimer(d)
}

func (hk *Housekeeper) runDue() {
	now := time.Now()
	for {
		hk.mu.Lock()
		if hk.h.Len() == 0 || hk.h[0].due.After(now) {
			hk.mu.Unlock()
			return
		}
		r := heap.Pop(&hk.h).(*request)
		delete(hk.byName, r.name)
		hk.mu.Unlock()

		delay := r.f()
		if delay > 0 {
			hk.mu.Lock()
			r.due = time.Now().Add(delay)
			hk.byName[r.name] = r
			heap.Push(&hk.h, r)
			hk.mu.Unlock()
		}
	}
}

func (hk *Housekeeper) Stop() { close(hk.stopCh) }

// WaitStarted blocks until Run has begun servicing the heap.
func (hk *Housekeeper) WaitStarted() { <-hk.started }

// DefaultHK is the process-wide housekeeper most daemons use directly;
// tests construct their own via New() to avoid cross-test state.
var DefaultHK = New()
