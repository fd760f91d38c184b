// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fallback

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	log "github.com/sirupsen/logrus"

	"github.com/tiermux/tiermux/internal/task"
)

// Policy decides whether a tier should be routed past for a given task.
// Rules are expr predicates evaluated against the task's routing fields;
// a rule that evaluates true skips its tier. Policy skips are recorded on
// the attempt trace but do not count as failed attempts.
type Policy struct {
	programs map[string]*vm.Program
}

// policyEnv is the expression environment a skip rule sees.
type policyEnv struct {
	Type     string                 `expr:"type"`
	Tool     string                 `expr:"tool"`
	Priority string                 `expr:"priority"`
	Source   string                 `expr:"source"`
	Context  map[string]interface{} `expr:"context"`
}

// NewPolicy compiles the given tier -> rule expressions. Tiers without a
// rule are never policy-skipped. A rule that fails to compile is an error:
// a silently dropped routing rule would misroute traffic.
func NewPolicy(rules map[string]string) (*Policy, error) {
	programs := make(map[string]*vm.Program, len(rules))

	for tier, rule := range rules {
		if rule == "" {
			continue
		}
		program, err := expr.Compile(rule, expr.Env(policyEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("invalid skip rule for tier %s: %w", tier, err)
		}
		programs[tier] = program
	}

	return &Policy{programs: programs}, nil
}

// ShouldSkip evaluates the tier's rule against t. Evaluation errors fail
// open: the tier stays eligible, and the error is logged once per call.
func (p *Policy) ShouldSkip(tier string, t *task.Task) bool {
	if p == nil {
		return false
	}
	program, ok := p.programs[tier]
	if !ok {
		return false
	}

	env := policyEnv{
		Type:     t.Type,
		Tool:     t.Tool,
		Priority: string(t.Priority),
		Source:   t.Source,
		Context:  t.Context,
	}

	out, err := expr.Run(program, env)
	if err != nil {
		log.Warnf("skip rule for tier %s failed to evaluate: %v", tier, err)
		return false
	}

	skip, _ := out.(bool)
	return skip
}
