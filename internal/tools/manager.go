// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tools loads runtime-defined task handlers from disk behind a
// static admission scan, and hot-reloads them through an explicit
// reconciliation loop driven by filesystem notifications.
package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/tiermux/tiermux/internal/task"
)

// LoadedTool is one admitted handler and the provenance of its admission.
type LoadedTool struct {
	// Definition is the handler's advertised metadata
	Definition task.ToolDefinition

	// Hash is the sha256 of the admitted source
	Hash string

	// Path is the source file the handler was loaded from
	Path string

	// LoadedAt is when this version was admitted
	LoadedAt time.Time

	handler *Handler
}

// Manager owns the tool registry for one directory.
//
// Hot reload is an explicit reconciliation: filesystem events only
// schedule a Reconcile, which diffs the directory listing and content
// hashes against the loaded set and applies load/unload/reload
// transitions. Create-vs-delete is decided by the diff, not by guessing
// from event types.
type Manager struct {
	dir     string
	scanner *Scanner

	mu    sync.RWMutex
	tools map[string]*LoadedTool

	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
}

// NewManager creates a manager over dir using the given admission scanner.
func NewManager(dir string, scanner *Scanner) *Manager {
	return &Manager{
		dir:         dir,
		scanner:     scanner,
		tools:       make(map[string]*LoadedTool),
		stopWatcher: make(chan struct{}),
	}
}

// Initialize creates the tools directory if needed and performs the first
// reconciliation pass.
func (m *Manager) Initialize() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tools directory: %w", err)
	}
	m.Reconcile()
	return nil
}

// Reconcile diffs the on-disk tool files against the loaded set and
// applies the necessary transitions. Admission failures are logged and
// the tool simply never becomes (or stops being) available; they are
// never fatal.
func (m *Manager) Reconcile() {
	desired := m.listSourceFiles()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Unload tools whose file disappeared.
	for name := range m.tools {
		if _, exists := desired[name]; !exists {
			delete(m.tools, name)
			log.Infof("tool %s unloaded (file removed)", name)
		}
	}

	// Load new tools and reload changed ones.
	for name, path := range desired {
		source, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("tool %s unreadable: %v", name, err)
			continue
		}

		sum := sha256.Sum256(source)
		hash := hex.EncodeToString(sum[:])

		existing, loaded := m.tools[name]
		if loaded && existing.Hash == hash {
			continue
		}

		admitted, scan := m.admit(name, path, string(source), hash)
		if admitted == nil {
			// An edited tool that now trips the scanner is re-rejected
			// and must stop being available.
			if loaded {
				delete(m.tools, name)
				log.Warnf("tool %s unloaded: new version rejected by admission scan", name)
			}
			for _, issue := range scan.Issues {
				if issue.Severity == task.SeverityError {
					log.Warnf("tool %s line %d: %s (%s)", name, issue.Line, issue.Message, issue.Pattern)
				}
			}
			continue
		}

		m.tools[name] = admitted
		if loaded {
			log.Infof("tool %s reloaded (hash %s)", name, hash[:12])
		} else {
			log.Infof("tool %s loaded (hash %s)", name, hash[:12])
		}
	}
}

// admit scans and evaluates one tool source. A nil LoadedTool means the
// tool was rejected; the scan result explains why.
func (m *Manager) admit(name, path, source, hash string) (*LoadedTool, *task.ScanResult) {
	scan := m.scanner.Scan(source)
	for _, issue := range scan.Issues {
		if issue.Severity == task.SeverityWarning {
			log.Debugf("tool %s line %d: %s (%s)", name, issue.Line, issue.Message, issue.Pattern)
		}
	}
	if !scan.Safe {
		return nil, scan
	}

	description, inputSchema, err := describe(name, source)
	if err != nil {
		log.Warnf("tool %s rejected: %v", name, err)
		scan.Safe = false
		scan.Issues = append(scan.Issues, task.ScanIssue{
			Severity: task.SeverityError,
			Message:  err.Error(),
			Pattern:  "malformed-definition",
		})
		return nil, scan
	}

	return &LoadedTool{
		Definition: task.ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: inputSchema,
		},
		Hash:     hash,
		Path:     path,
		LoadedAt: time.Now(),
		handler:  &Handler{name: name, source: source},
	}, scan
}

// listSourceFiles maps tool name -> path for every .lua file in the dir.
func (m *Manager) listSourceFiles() map[string]string {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		log.Warnf("failed to read tools directory: %v", err)
		return nil
	}

	desired := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".lua")
		desired[name] = filepath.Join(m.dir, entry.Name())
	}
	return desired
}

// Get returns the handler registered under name. The returned reference
// stays valid for the full invocation even if the tool is reloaded or
// unloaded concurrently.
func (m *Manager) Get(name string) (*Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tool, ok := m.tools[name]
	if !ok {
		return nil, false
	}
	return tool.handler, true
}

// List returns the definitions of every admitted tool, sorted by name.
func (m *Manager) List() []task.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	defs := make([]task.ToolDefinition, 0, len(m.tools))
	for _, tool := range m.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Loaded returns a copy of the registry keyed by tool name.
func (m *Manager) Loaded() map[string]LoadedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]LoadedTool, len(m.tools))
	for name, tool := range m.tools {
		out[name] = *tool
	}
	return out
}

// StartWatcher starts a background fsnotify watcher that schedules a
// reconciliation pass on any change in the tools directory.
func (m *Manager) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err = m.watcher.Add(m.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Debugf("tools directory changed (%s), reconciling...", event.Name)
					// Debounce editors that write in multiple events.
					time.Sleep(100 * time.Millisecond)
					m.Reconcile()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("tools watcher error: %v", err)
			case <-m.stopWatcher:
				return
			}
		}
	}()

	return nil
}

// StopWatcher stops the file watcher.
func (m *Manager) StopWatcher() {
	if m.watcher != nil {
		select {
		case <-m.stopWatcher:
		default:
			close(m.stopWatcher)
		}
		_ = m.watcher.Close()
	}
}
