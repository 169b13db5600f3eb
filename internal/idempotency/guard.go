// Package idempotency guards against running more than one active
// pipeline for the same branch at a time. The in-memory map is the
// source of truth; the on-disk file is a debounced, best-effort mirror
// used only to rehydrate state across restarts.
package idempotency

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CheckResult is the outcome of a Check call.
type CheckResult struct {
	IsDuplicate      bool
	ExistingRequestID string
}

// Guard tracks at most one active pipeline per branch.
type Guard struct {
	mu       sync.Mutex
	active   map[string]string // branch -> request_id
	filePath string
	debounce time.Duration

	flushMu    sync.Mutex
	flushTimer *time.Timer
}

// New creates a Guard persisting to filePath, debouncing writes by
// debounce. A zero debounce flushes synchronously on every mutation.
func New(filePath string, debounce time.Duration) *Guard {
	return &Guard{
		active:   make(map[string]string),
		filePath: filePath,
		debounce: debounce,
	}
}

// LoadFromDisk rehydrates the in-memory map on startup. A missing file
// is a no-op, not an error.
func (g *Guard) LoadFromDisk() error {
	data, err := os.ReadFile(g.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("idempotency: read: %w", err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("idempotency: parse: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = m
	return nil
}

// Check is a pure read: it reports whether branch already has an active
// pipeline.
func (g *Guard) Check(branch string) CheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.active[branch]; ok {
		return CheckResult{IsDuplicate: true, ExistingRequestID: id}
	}
	return CheckResult{}
}

// Register upserts branch -> requestID. The in-memory map is updated
// synchronously; the file write is scheduled (debounced).
func (g *Guard) Register(branch, requestID string) {
	g.mu.Lock()
	g.active[branch] = requestID
	g.mu.Unlock()
	g.scheduleFlush()
}

// Release removes branch's active-pipeline mapping, if any.
func (g *Guard) Release(branch string) {
	g.mu.Lock()
	delete(g.active, branch)
	g.mu.Unlock()
	g.scheduleFlush()
}

func (g *Guard) scheduleFlush() {
	if g.debounce <= 0 {
		_ = g.flush()
		return
	}
	g.flushMu.Lock()
	defer g.flushMu.Unlock()
	if g.flushTimer != nil {
		g.flushTimer.Stop()
	}
	g.flushTimer = time.AfterFunc(g.debounce, func() {
		_ = g.flush()
	})
}

func (g *Guard) flush() error {
	g.mu.Lock()
	snapshot := make(map[string]string, len(g.active))
	for k, v := range g.active {
		snapshot[k] = v
	}
	g.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("idempotency: marshal: %w", err)
	}
	dir := filepath.Dir(g.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("idempotency: mkdir: %w", err)
	}
	tmp := g.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("idempotency: write tmp: %w", err)
	}
	if err := os.Rename(tmp, g.filePath); err != nil {
		return fmt.Errorf("idempotency: rename: %w", err)
	}
	return nil
}

// Flush forces an immediate synchronous write, bypassing the debounce
// timer. Used on graceful shutdown.
func (g *Guard) Flush() error {
	g.flushMu.Lock()
	if g.flushTimer != nil {
		g.flushTimer.Stop()
	}
	g.flushMu.Unlock()
	return g.flush()
}
