// Package manifest implements the single durable record of branch flow:
// the ready -> pending_merge -> merge_history state machine, backed by
// an atomically-written JSON file and serialised by one exclusive lock
// per the concurrency model.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dockhand-dev/conveyor/internal/pipelineerr"
)

// ReadyEntry describes a branch whose pipeline has completed and which
// is waiting for the Director to dispatch it to integration.
type ReadyEntry struct {
	Branch            string         `json:"branch"`
	PipelineBranch    string         `json:"pipeline_branch"`
	WorktreePath      string         `json:"worktree_path"`
	RequestID         string         `json:"request_id"`
	Tier              string         `json:"tier"`
	PipelineResult    map[string]any `json:"pipeline_result,omitempty"`
	CorrectionsApplied []string      `json:"corrections_applied,omitempty"`
	ReadyAt           time.Time      `json:"ready_at"`
	Priority          int            `json:"priority"`
	DependsOn         []string       `json:"depends_on,omitempty"`
	BaseMainSHA       string         `json:"base_main_sha"`
	BaseBranch        string         `json:"base_branch,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// PendingMergeEntry is a ReadyEntry augmented with the open-PR details
// the Integrator produced.
type PendingMergeEntry struct {
	ReadyEntry
	PRNumber          int    `json:"pr_number"`
	PRURL             string `json:"pr_url"`
	IntegrationBranch string `json:"integration_branch"`
}

// HistoryEntry is a PendingMergeEntry as it was at merge time, augmented
// with the resulting commit and merge timestamp.
type HistoryEntry struct {
	PendingMergeEntry
	CommitSHA string    `json:"commit_sha"`
	MergedAt  time.Time `json:"merged_at"`
}

// Manifest is the single durable record of branch flow.
type Manifest struct {
	MainBranch   string              `json:"main_branch"`
	MainHead     string              `json:"main_head"`
	Ready        []ReadyEntry        `json:"ready"`
	PendingMerge []PendingMergeEntry `json:"pending_merge"`
	MergeHistory []HistoryEntry      `json:"merge_history"`
	LastUpdated  time.Time           `json:"last_updated"`
}

// empty returns the zero-value manifest, used when the backing file is
// absent. mainBranch is config.branch.main (or its "main" default).
func empty(mainBranch string) Manifest {
	return Manifest{
		MainBranch:   mainBranch,
		MainHead:     "",
		Ready:        []ReadyEntry{},
		PendingMerge: []PendingMergeEntry{},
		MergeHistory: []HistoryEntry{},
	}
}

// Manager serialises all reads/writes of the manifest file behind one
// exclusive lock, giving callers linearizable behaviour.
type Manager struct {
	mu         sync.Mutex
	filePath   string
	mainBranch string
	current    Manifest
}

// NewManager creates a Manager backed by filePath. mainBranch is the
// default used when initialising an empty manifest (see DESIGN.md's
// "main" vs config.branch.main decision: the caller resolves the final
// value and passes it here, so there is exactly one source of truth).
func NewManager(filePath, mainBranch string) (*Manager, error) {
	m := &Manager{filePath: filePath, mainBranch: mainBranch}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.current = empty(m.mainBranch)
			return nil
		}
		return pipelineerr.Wrap("manifest.load", pipelineerr.PersistenceError, err)
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return pipelineerr.Wrap("manifest.load", pipelineerr.PersistenceError, err)
	}
	if man.Ready == nil {
		man.Ready = []ReadyEntry{}
	}
	if man.PendingMerge == nil {
		man.PendingMerge = []PendingMergeEntry{}
	}
	if man.MergeHistory == nil {
		man.MergeHistory = []HistoryEntry{}
	}
	m.current = man
	return nil
}

func (m *Manager) writeLocked() error {
	m.current.LastUpdated = time.Now()
	data, err := json.MarshalIndent(m.current, "", "  ")
	if err != nil {
		return pipelineerr.Wrap("manifest.write", pipelineerr.PersistenceError, err)
	}
	dir := filepath.Dir(m.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pipelineerr.Wrap("manifest.write", pipelineerr.PersistenceError, err)
	}
	tmp := m.filePath + fmt.Sprintf(".tmp-%d", os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return pipelineerr.Wrap("manifest.write", pipelineerr.PersistenceError, err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return pipelineerr.Wrap("manifest.write", pipelineerr.PersistenceError, err)
	}
	return nil
}

// Snapshot returns a deep-enough copy of the current manifest for
// read-only inspection (e.g. by the Director).
func (m *Manager) Snapshot() Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.current
	cp.Ready = append([]ReadyEntry(nil), m.current.Ready...)
	cp.PendingMerge = append([]PendingMergeEntry(nil), m.current.PendingMerge...)
	cp.MergeHistory = append([]HistoryEntry(nil), m.current.MergeHistory...)
	return cp
}

// GetMainHead returns the last recorded main branch head SHA.
func (m *Manager) GetMainHead() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.MainHead
}

// UpdateMainHead records main's current head SHA.
func (m *Manager) UpdateMainHead(sha string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.MainHead = sha
	return m.writeLocked()
}

func branchPresent(m Manifest, branch string) bool {
	for _, e := range m.Ready {
		if e.Branch == branch {
			return true
		}
	}
	for _, e := range m.PendingMerge {
		if e.Branch == branch {
			return true
		}
	}
	for _, e := range m.MergeHistory {
		if e.Branch == branch {
			return true
		}
	}
	return false
}

// AddToReady appends entry to ready. Idempotent on entry.Branch: a
// second add for a branch already present preserves the first entry's
// RequestID and is otherwise a no-op (invariant 2).
func (m *Manager) AddToReady(entry ReadyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.current.Ready {
		if e.Branch == entry.Branch {
			return nil
		}
	}
	if pendingOrHistory(m.current, entry.Branch) {
		return pipelineerr.New("manifest.addToReady", pipelineerr.Conflict)
	}
	m.current.Ready = append(m.current.Ready, entry)
	return m.writeLocked()
}

func pendingOrHistory(m Manifest, branch string) bool {
	for _, e := range m.PendingMerge {
		if e.Branch == branch {
			return true
		}
	}
	for _, e := range m.MergeHistory {
		if e.Branch == branch {
			return true
		}
	}
	return false
}

// FindReady returns the ready entry for branch, if any.
func (m *Manager) FindReady(branch string) (ReadyEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.current.Ready {
		if e.Branch == branch {
			return e, true
		}
	}
	return ReadyEntry{}, false
}

// RemoveFromReady removes and returns the ready entry for branch.
func (m *Manager) RemoveFromReady(branch string) (ReadyEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.current.Ready {
		if e.Branch == branch {
			m.current.Ready = append(m.current.Ready[:i:i], m.current.Ready[i+1:]...)
			if err := m.writeLocked(); err != nil {
				return ReadyEntry{}, false, err
			}
			return e, true, nil
		}
	}
	return ReadyEntry{}, false, nil
}

// PendingMergeUpdate carries the Integrator's outputs for
// MoveToPendingMerge.
type PendingMergeUpdate struct {
	PRNumber          int
	PRURL             string
	IntegrationBranch string
	BaseMainSHA       string
}

// MoveToPendingMerge moves branch from ready to pending_merge, augmented
// with update. Requires branch to currently be in ready.
func (m *Manager) MoveToPendingMerge(branch string, update PendingMergeUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i, e := range m.current.Ready {
		if e.Branch == branch {
			idx = i
			break
		}
	}
	if idx < 0 {
		return pipelineerr.New("manifest.moveToPendingMerge", pipelineerr.NotFound)
	}
	for _, e := range m.current.PendingMerge {
		if e.PRNumber == update.PRNumber {
			return pipelineerr.New("manifest.moveToPendingMerge", pipelineerr.Conflict)
		}
	}
	entry := m.current.Ready[idx]
	entry.BaseMainSHA = update.BaseMainSHA
	m.current.Ready = append(m.current.Ready[:idx:idx], m.current.Ready[idx+1:]...)
	m.current.PendingMerge = append(m.current.PendingMerge, PendingMergeEntry{
		ReadyEntry:        entry,
		PRNumber:          update.PRNumber,
		PRURL:             update.PRURL,
		IntegrationBranch: update.IntegrationBranch,
	})
	return m.writeLocked()
}

// MoveBackToReady rolls a pending_merge entry back to ready (used to
// unwind a failed integration attempt discovered after the fact).
func (m *Manager) MoveBackToReady(branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i, e := range m.current.PendingMerge {
		if e.Branch == branch {
			idx = i
			break
		}
	}
	if idx < 0 {
		return pipelineerr.New("manifest.moveBackToReady", pipelineerr.NotFound)
	}
	entry := m.current.PendingMerge[idx].ReadyEntry
	m.current.PendingMerge = append(m.current.PendingMerge[:idx:idx], m.current.PendingMerge[idx+1:]...)
	m.current.Ready = append(m.current.Ready, entry)
	return m.writeLocked()
}

// UpdatePendingMergeBaseSha updates base_main_sha in place for branch's
// pending_merge entry. Requires branch to currently be in pending_merge.
func (m *Manager) UpdatePendingMergeBaseSha(branch, sha string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.current.PendingMerge {
		if e.Branch == branch {
			m.current.PendingMerge[i].BaseMainSHA = sha
			return m.writeLocked()
		}
	}
	return pipelineerr.New("manifest.updatePendingMergeBaseSha", pipelineerr.NotFound)
}

// FindPendingMerge returns the pending_merge entry for branch, if any.
func (m *Manager) FindPendingMerge(branch string) (PendingMergeEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.current.PendingMerge {
		if e.Branch == branch {
			return e, true
		}
	}
	return PendingMergeEntry{}, false
}

// MoveToMergeHistory removes branch from pending_merge and appends it to
// merge_history with the given commitSHA and merged_at = now. commitSHA
// is required — see DESIGN.md's Open Question decision on this point.
func (m *Manager) MoveToMergeHistory(branch, commitSHA string) error {
	if commitSHA == "" {
		return pipelineerr.New("manifest.moveToMergeHistory", pipelineerr.Validation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i, e := range m.current.PendingMerge {
		if e.Branch == branch {
			idx = i
			break
		}
	}
	if idx < 0 {
		return pipelineerr.New("manifest.moveToMergeHistory", pipelineerr.NotFound)
	}
	entry := m.current.PendingMerge[idx]
	m.current.PendingMerge = append(m.current.PendingMerge[:idx:idx], m.current.PendingMerge[idx+1:]...)
	m.current.MergeHistory = append(m.current.MergeHistory, HistoryEntry{
		PendingMergeEntry: entry,
		CommitSHA:         commitSHA,
		MergedAt:          time.Now(),
	})
	return m.writeLocked()
}

// ReadySortedForDispatch returns the ready list sorted by the
// Director's tie-break rule: higher priority first, then earlier
// ready_at, then lexicographically smaller branch.
func (m *Manager) ReadySortedForDispatch() []ReadyEntry {
	snap := m.Snapshot()
	sort.SliceStable(snap.Ready, func(i, j int) bool {
		a, b := snap.Ready[i], snap.Ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ReadyAt.Equal(b.ReadyAt) {
			return a.ReadyAt.Before(b.ReadyAt)
		}
		return a.Branch < b.Branch
	})
	return snap.Ready
}
