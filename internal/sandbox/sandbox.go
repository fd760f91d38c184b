// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sandbox bounds tool invocations with real cancellation and
// tracks which task ids are in flight. A watchdog goroutine samples heap
// usage and requests garbage collection over a configured ceiling; the
// sandbox never rejects work for being over the ceiling, it only applies
// back-pressure through GC.
package sandbox

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tiermux/tiermux/internal/task"
)

// Invoker is the handler call shape the sandbox executes. The context
// carries the deadline; a well-behaved invoker stops when it is canceled.
type Invoker func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Config tunes a Sandbox.
type Config struct {
	// MaxExecutionTime is the default invocation bound when a task
	// supplies none.
	MaxExecutionTime time.Duration

	// MaxMemoryMB is the heap ceiling above which the watchdog requests GC.
	MaxMemoryMB int

	// WatchdogInterval is how often the watchdog samples memory.
	WatchdogInterval time.Duration
}

// Sandbox times out and tracks in-flight tool invocations.
type Sandbox struct {
	config Config

	mu     sync.Mutex
	active map[string]struct{}

	watchdogCancel context.CancelFunc
	watchdogDone   chan struct{}
}

// New creates a sandbox. Zero config fields get defaults.
func New(config Config) *Sandbox {
	if config.MaxExecutionTime <= 0 {
		config.MaxExecutionTime = 30 * time.Second
	}
	if config.MaxMemoryMB <= 0 {
		config.MaxMemoryMB = 512
	}
	if config.WatchdogInterval <= 0 {
		config.WatchdogInterval = 5 * time.Second
	}
	return &Sandbox{
		config: config,
		active: make(map[string]struct{}),
	}
}

// Execute runs invoke under a deadline. The task id is held in the active
// set for exactly the duration of the call: every branch (success,
// failure, timeout) removes it before the result is returned. The result
// carries elapsed wall time; a timeout produces success=false with a
// timeout-mentioning error.
func (s *Sandbox) Execute(ctx context.Context, taskID string, invoke Invoker, args map[string]interface{}, timeout time.Duration) *task.Result {
	if timeout <= 0 {
		timeout = s.config.MaxExecutionTime
	}

	s.mu.Lock()
	s.active[taskID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, taskID)
		s.mu.Unlock()
	}()

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data interface{}
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		data, err := invoke(ctx, args)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(started)
		if out.err != nil {
			return &task.Result{
				TaskID:        taskID,
				Success:       false,
				Error:         out.err.Error(),
				ExecutionTime: elapsed,
			}
		}
		return &task.Result{
			TaskID:        taskID,
			Success:       true,
			Data:          out.data,
			ExecutionTime: elapsed,
		}
	case <-ctx.Done():
		// The context cancellation propagates into the interpreter, so
		// the invoker goroutine unwinds rather than leaking.
		return &task.Result{
			TaskID:        taskID,
			Success:       false,
			Error:         fmt.Sprintf("execution timeout after %s", timeout),
			ExecutionTime: time.Since(started),
		}
	}
}

// ActiveCount returns the number of invocations currently in flight.
func (s *Sandbox) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// IsActive reports whether taskID is currently executing.
func (s *Sandbox) IsActive(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[taskID]
	return ok
}

// StartWatchdog begins the memory sampling loop. It is advisory only.
func (s *Sandbox) StartWatchdog(ctx context.Context) {
	if s.watchdogDone != nil {
		return
	}

	ctx, s.watchdogCancel = context.WithCancel(ctx)
	s.watchdogDone = make(chan struct{})

	go func() {
		defer close(s.watchdogDone)

		ticker := time.NewTicker(s.config.WatchdogInterval)
		defer ticker.Stop()

		ceiling := uint64(s.config.MaxMemoryMB) * 1024 * 1024
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var stats runtime.MemStats
				runtime.ReadMemStats(&stats)
				if stats.HeapAlloc > ceiling {
					log.Warnf("heap usage %dMB over ceiling %dMB, requesting GC", stats.HeapAlloc/1024/1024, s.config.MaxMemoryMB)
					runtime.GC()
				}
			}
		}
	}()
}

// StopWatchdog halts the memory sampling loop.
func (s *Sandbox) StopWatchdog() {
	if s.watchdogDone == nil {
		return
	}
	s.watchdogCancel()
	<-s.watchdogDone
	s.watchdogDone = nil
}
