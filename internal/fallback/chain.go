// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fallback implements the ordered tier chain. Tiers are tried
// fastest-first; an unhealthy or failing tier advances the chain to the
// next one. The chain never retries the same tier within a pass, and it
// enforces no idempotency: handlers must be safe to retry on a later tier.
package fallback

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tiermux/tiermux/internal/task"
)

// TierClient is the slice of the ipc client the chain depends on.
type TierClient interface {
	Tier() string
	Health(ctx context.Context) *task.ServerHealth
	Execute(ctx context.Context, t *task.Task) *task.Result
}

// Chain holds the ordered tier list, fastest/cheapest to most adaptive.
type Chain struct {
	clients []TierClient
	policy  *Policy
}

// NewChain creates a chain over the given clients in order. policy may be
// nil, in which case no tier is ever policy-skipped.
func NewChain(clients []TierClient, policy *Policy) *Chain {
	return &Chain{
		clients: clients,
		policy:  policy,
	}
}

// Tiers returns the configured tier names in chain order.
func (c *Chain) Tiers() []string {
	names := make([]string, len(c.clients))
	for i, client := range c.clients {
		names[i] = client.Tier()
	}
	return names
}

// ExecuteWithFallback tries each tier in order until one succeeds.
//
// Per tier: a policy skip routes past the tier without recording an
// attempt; otherwise the tier is appended to the attempted list, its
// health is consulted (nil or unhealthy skips it without consuming
// anything), and Execute is called. The first success is returned
// annotated with the attempted list and FallbackUsed set when more than
// one tier was attempted. If every tier is exhausted, a synthetic failure
// is returned attributing ExecutedBy to the chain's last tier.
func (c *Chain) ExecuteWithFallback(ctx context.Context, t *task.Task) *task.Result {
	started := time.Now()
	attempted := make([]string, 0, len(c.clients))

	for _, client := range c.clients {
		tier := client.Tier()

		if c.policy.ShouldSkip(tier, t) {
			log.Debugf("task %s routed past tier %s by policy", t.ID, tier)
			continue
		}

		attempted = append(attempted, tier)

		health := client.Health(ctx)
		if health == nil || health.Status == task.StateUnhealthy {
			log.Infof("tier %s unhealthy, skipping for task %s", tier, t.ID)
			continue
		}

		result := client.Execute(ctx, t)
		if result != nil && result.Success {
			result.FallbackUsed = len(attempted) > 1
			result.FallbackChain = attempted
			return result
		}

		if result != nil {
			log.Warnf("tier %s failed task %s: %s", tier, t.ID, result.Error)
		}
	}

	lastTier := ""
	if len(c.clients) > 0 {
		lastTier = c.clients[len(c.clients)-1].Tier()
	}

	return &task.Result{
		TaskID:        t.ID,
		Success:       false,
		Error:         fmt.Sprintf("all %d tiers exhausted for task %s", len(c.clients), t.ID),
		ExecutedBy:    lastTier,
		ExecutionTime: time.Since(started),
		FallbackUsed:  true,
		FallbackChain: attempted,
	}
}
