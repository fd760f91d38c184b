// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package supervisor owns the routing core: the task queue, the per-tier
// health monitors, the fallback chain, the snapshot manager, and the
// result history. Everything is an explicit constructed instance handed
// in by the caller, so tests can build isolated supervisors.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tiermux/tiermux/internal/fallback"
	"github.com/tiermux/tiermux/internal/health"
	"github.com/tiermux/tiermux/internal/history"
	"github.com/tiermux/tiermux/internal/queue"
	"github.com/tiermux/tiermux/internal/snapshot"
	"github.com/tiermux/tiermux/internal/task"
)

// TierClient is the full per-tier client surface the supervisor drives.
type TierClient interface {
	fallback.TierClient
	NotifyFallback(ctx context.Context, fromTier, taskID string)
}

// Options configures a Supervisor.
type Options struct {
	// Clients lists the tier clients in chain order, fastest first.
	Clients []TierClient

	// Policy is the optional expr routing policy for the chain.
	Policy *fallback.Policy

	// Health tunes the per-tier monitors.
	Health health.Config

	// Snapshots is the adaptive tier's snapshot manager; nil disables
	// crash-triggered auto snapshots.
	Snapshots *snapshot.Manager

	// History is the result audit store; nil disables recording.
	History *history.Store

	// MaxConcurrent bounds simultaneously dispatched tasks.
	MaxConcurrent int
}

// Supervisor routes queued tasks through the fallback chain and reacts to
// tier crash events.
type Supervisor struct {
	queue    *queue.TaskQueue
	chain    *fallback.Chain
	clients  []TierClient
	monitors map[string]*health.Monitor
	snaps    *snapshot.Manager
	hist     *history.Store

	maxConcurrent int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a supervisor and its monitors from the given options.
func New(opts Options) *Supervisor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}

	chainClients := make([]fallback.TierClient, len(opts.Clients))
	for i, client := range opts.Clients {
		chainClients[i] = client
	}

	s := &Supervisor{
		queue:         queue.New(),
		chain:         fallback.NewChain(chainClients, opts.Policy),
		clients:       opts.Clients,
		monitors:      make(map[string]*health.Monitor, len(opts.Clients)),
		snaps:         opts.Snapshots,
		hist:          opts.History,
		maxConcurrent: opts.MaxConcurrent,
	}

	for i, client := range opts.Clients {
		monitor := health.NewMonitor(client, opts.Health)
		next := i + 1
		monitor.OnEvent(func(event health.Event) {
			s.handleHealthEvent(event, next)
		})
		s.monitors[client.Tier()] = monitor
	}

	return s
}

// Queue exposes the task queue for inspection.
func (s *Supervisor) Queue() *queue.TaskQueue {
	return s.queue
}

// Monitor returns the health monitor for a tier, if one exists.
func (s *Supervisor) Monitor(tier string) (*health.Monitor, bool) {
	monitor, ok := s.monitors[tier]
	return monitor, ok
}

// Submit validates and enqueues a task. RetriesLeft zero means unset and
// receives the full budget; a negative value submits a deliberately spent
// budget (no retries); anything above Retries is clamped down to it.
func (s *Supervisor) Submit(t *task.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task has no id")
	}
	switch {
	case t.RetriesLeft < 0:
		t.RetriesLeft = 0
	case t.RetriesLeft == 0 || t.RetriesLeft > t.Retries:
		t.RetriesLeft = t.Retries
	}
	s.queue.Enqueue(t)
	return nil
}

// Start launches the monitors and the dispatch loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.done != nil {
		return fmt.Errorf("supervisor is already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	for tier, monitor := range s.monitors {
		if err := monitor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start monitor for tier %s: %w", tier, err)
		}
	}

	go s.dispatchLoop(ctx)
	log.Infof("supervisor started with %d tiers: %v", len(s.clients), s.chain.Tiers())
	return nil
}

// Stop halts the dispatch loop and all monitors.
func (s *Supervisor) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.done == nil {
		return
	}
	s.cancel()
	<-s.done
	for _, monitor := range s.monitors {
		monitor.Stop()
	}
	s.done = nil
}

// dispatchLoop drains the queue, running up to maxConcurrent tasks at a
// time through the fallback chain.
func (s *Supervisor) dispatchLoop(ctx context.Context) {
	defer close(s.done)

	semaphore := make(chan struct{}, s.maxConcurrent)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				t := s.queue.Dequeue()
				if t == nil {
					break
				}

				select {
				case semaphore <- struct{}{}:
				case <-ctx.Done():
					s.queue.Fail(t.ID)
					return
				}

				wg.Add(1)
				go func(t *task.Task) {
					defer func() {
						<-semaphore
						wg.Done()
					}()
					s.dispatch(ctx, t)
				}(t)
			}
		}
	}
}

// dispatch runs one task through the chain and applies the retry rule:
// a failed pass with retries left is decremented and re-enqueued at its
// priority; the chain itself never retries an individual tier.
func (s *Supervisor) dispatch(ctx context.Context, t *task.Task) {
	result := s.chain.ExecuteWithFallback(ctx, t)

	if s.hist != nil {
		if err := s.hist.Record(result); err != nil {
			log.Warnf("failed to record result for task %s: %v", t.ID, err)
		}
	}

	if result.Success {
		s.queue.Complete(t.ID)
		log.Debugf("task %s completed by tier %s (fallback=%v)", t.ID, result.ExecutedBy, result.FallbackUsed)
		return
	}

	if t.RetriesLeft > 0 {
		t.RetriesLeft--
		s.queue.Fail(t.ID)
		s.queue.Enqueue(t)
		log.Infof("task %s failed, re-enqueued (%d retries left)", t.ID, t.RetriesLeft)
		return
	}

	s.queue.Fail(t.ID)
	log.Warnf("task %s failed permanently: %s", t.ID, result.Error)
}

// handleHealthEvent reacts to monitor crash events: the next tier in the
// chain gets a best-effort fallback notification, and the adaptive tier's
// tool set is snapshotted so a crashing deployment can be rolled back.
func (s *Supervisor) handleHealthEvent(event health.Event, nextIdx int) {
	if event.Type != health.EventCrash {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if nextIdx < len(s.clients) {
		s.clients[nextIdx].NotifyFallback(ctx, event.Tier, "")
	}

	if s.snaps != nil {
		// Run the bulk copy off the monitor's polling goroutine so a
		// large snapshot cannot stall health checks.
		go func() {
			if _, err := s.snaps.Create("crash-"+event.Tier, task.TriggerAuto); err != nil {
				log.Warnf("auto snapshot after %s crash failed: %v", event.Tier, err)
			}
		}()
	}
}
