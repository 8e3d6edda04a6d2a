// Package nlog is the store daemon's logger: timestamped,
// severity-leveled, with size-based rotation. Adapted from the upstream
// store's cmn/nlog package; the caller-reporting double-buffer/OOB-flush
// machinery of the original is dropped here: each line is written
// straight to the current log file (or stderr) under one mutex, with no
// buffering and no background flush, since this store's sessions
// are one-goroutine-per-connection (§5) rather than a single multiplexed
// daemon logging from hundreds of goroutines at once.
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package nlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{'I', 'W', 'E'}

const defaultMaxSize = 4 * MiB
const MiB = 1 << 20

type logger struct {
	mu      sync.Mutex
	file    *os.File
	dir     string
	role    string // e.g. "bbstored", "bbackupd"
	written int64
	maxSize int64
	toStderr bool
}

var (
	std = &logger{toStderr: true, maxSize: defaultMaxSize}
)

// SetOutput directs subsequent log lines of every severity to one file
// named "<role>.<YYYYMMDD-HHMMSS>.log" under dir (a new file is opened
// after each rotation), falling back to stderr if dir is empty. Call once
// at daemon startup.
func SetOutput(dir, role string) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.dir, std.role = dir, role
	std.toStderr = dir == ""
}

// SetMaxSize overrides the rotation threshold (bytes); 0 disables rotation.
func SetMaxSize(n int64) { std.maxSize = n }

func Infof(format string, args ...any)    { std.logf(sevInfo, 1, format, args...) }
func Infoln(args ...any)                  { std.log(sevInfo, 1, args...) }
func Warningf(format string, args ...any) { std.logf(sevWarn, 1, format, args...) }
func Warningln(args ...any)               { std.log(sevWarn, 1, args...) }
func Errorf(format string, args ...any)   { std.logf(sevErr, 1, format, args...) }
func Errorln(args ...any)                 { std.log(sevErr, 1, args...) }

func (l *logger) logf(sev severity, depth int, format string, args ...any) {
	l.emit(sev, depth+1, fmt.Sprintf(format, args...))
}

func (l *logger) log(sev severity, depth int, args ...any) {
	l.emit(sev, depth+1, fmt.Sprint(args...))
}

func (l *logger) emit(sev severity, depth int, msg string) {
	line := formatLine(sev, depth+1, msg)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.toStderr || l.dir == "" {
		os.Stderr.WriteString(line)
		return
	}
	if l.file == nil {
		if err := l.openLocked(); err != nil {
			os.Stderr.WriteString(line)
			return
		}
	}
	n, err := l.file.WriteString(line)
	if err != nil {
		os.Stderr.WriteString(line)
		return
	}
	l.written += int64(n)
	if l.maxSize > 0 && l.written >= l.maxSize {
		l.file.Close()
		l.file = nil
		l.written = 0
	}
}

func (l *logger) openLocked() error {
	name := filepath.Join(l.dir, fmt.Sprintf("%s.%s.log", l.role, time.Now().Format("20060102-150405")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Flush syncs and, if exit is true, closes the active log file. Called on
// graceful daemon shutdown.
func Flush(exit ...bool) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file == nil {
		return
	}
	std.file.Sync()
	if len(exit) > 0 && exit[0] {
		std.file.Close()
		std.file = nil
	}
}

func formatLine(sev severity, depth int, msg string) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
			file = file[idx+1:]
		}
		b.WriteString(file)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(line))
		b.WriteByte(' ')
	}
	b.WriteString(msg)
	if !strings.HasSuffix(msg, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}
