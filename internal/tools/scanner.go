// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tools

import (
	"regexp"
	"strings"

	"github.com/tiermux/tiermux/internal/task"
)

// Scanner is the static admission gate run over raw tool source before a
// handler may be registered. It is a deny-list matcher: fast and
// pragmatic, trivially defeated by determined obfuscation, which is why
// admitted tools still execute inside the restricted interpreter rather
// than being trusted outright.
type Scanner struct {
	allowedDeletePrefix string
	blocking            []scanPattern
	advisory            []scanPattern
}

type scanPattern struct {
	name    string
	re      *regexp.Regexp
	message string
}

// NewScanner creates a scanner. Destructive deletes whose target is a
// string literal under allowedDeletePrefix are downgraded to warnings;
// an empty prefix blocks every delete.
func NewScanner(allowedDeletePrefix string) *Scanner {
	return &Scanner{
		allowedDeletePrefix: allowedDeletePrefix,
		blocking: []scanPattern{
			{
				name:    "process-exit",
				re:      regexp.MustCompile(`\bos\.exit\s*\(`),
				message: "terminates the host process",
			},
			{
				name:    "dynamic-load",
				re:      regexp.MustCompile(`\b(load|loadstring|loadfile|dofile)\s*\(`),
				message: "constructs code at runtime",
			},
			{
				name:    "shell-exec",
				re:      regexp.MustCompile(`\bos\.execute\s*\(`),
				message: "executes arbitrary shell commands",
			},
			{
				name:    "process-spawn",
				re:      regexp.MustCompile(`\bio\.popen\s*\(`),
				message: "spawns a child process",
			},
			{
				name:    "debug-access",
				re:      regexp.MustCompile(`\bdebug\.\w+`),
				message: "reaches into the debug library",
			},
			{
				name:    "global-tamper",
				re:      regexp.MustCompile(`\b(rawset\s*\(\s*_G|setmetatable\s*\(\s*_G|setfenv\s*\(|getfenv\s*\()`),
				message: "tampers with the global environment",
			},
			{
				name:    "fs-delete",
				re:      regexp.MustCompile(`\bos\.(remove|rename)\s*\(\s*(?:"([^"]*)"|'([^']*)')?`),
				message: "deletes or moves files",
			},
		},
		advisory: []scanPattern{
			{
				name:    "network-access",
				re:      regexp.MustCompile(`\b(https?\.(request|get|post)|socket\.)`),
				message: "performs network access",
			},
			{
				name:    "storage-access",
				re:      regexp.MustCompile(`\bio\.(open|lines|read|write)\s*\(`),
				message: "reads or writes local storage",
			},
			{
				name:    "cookie-access",
				re:      regexp.MustCompile(`\bcookies?\b`),
				message: "touches cookie data",
			},
			{
				name:    "websocket-access",
				re:      regexp.MustCompile(`\bwebsockets?\b`),
				message: "opens websocket connections",
			},
		},
	}
}

// Scan checks source line by line and reports every finding with its
// 1-based line. The result is safe only when no error-severity issue was
// found; warnings never block admission.
func (s *Scanner) Scan(source string) *task.ScanResult {
	result := &task.ScanResult{Safe: true}
	lines := strings.Split(source, "\n")

	for lineNo, line := range lines {
		for _, pattern := range s.blocking {
			match := pattern.re.FindStringSubmatch(line)
			if match == nil {
				continue
			}

			severity := task.SeverityError
			if pattern.name == "fs-delete" && s.deleteAllowed(match) {
				severity = task.SeverityWarning
			}

			result.Issues = append(result.Issues, task.ScanIssue{
				Severity: severity,
				Message:  pattern.message,
				Pattern:  pattern.name,
				Line:     lineNo + 1,
			})
			if severity == task.SeverityError {
				result.Safe = false
			}
		}

		for _, pattern := range s.advisory {
			if !pattern.re.MatchString(line) {
				continue
			}
			result.Issues = append(result.Issues, task.ScanIssue{
				Severity: task.SeverityWarning,
				Message:  pattern.message,
				Pattern:  pattern.name,
				Line:     lineNo + 1,
			})
		}
	}

	return result
}

// deleteAllowed reports whether a matched delete targets a string literal
// under the allowed prefix. Non-literal targets are never allowed: the
// scanner cannot see through variables.
func (s *Scanner) deleteAllowed(match []string) bool {
	if s.allowedDeletePrefix == "" {
		return false
	}
	target := match[2]
	if target == "" {
		target = match[3]
	}
	if target == "" {
		return false
	}
	return strings.HasPrefix(target, s.allowedDeletePrefix)
}
