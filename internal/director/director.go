// Package director schedules and serialises integration work: it picks
// the highest-priority ready branch whose dependencies are satisfied
// and dispatches it to the Integrator, and detects pending_merge
// entries whose base has moved.
package director

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dockhand-dev/conveyor/internal/eventbus"
	"github.com/dockhand-dev/conveyor/internal/integrator"
	"github.com/dockhand-dev/conveyor/internal/manifest"
)

// Config configures the Director's scheduling.
type Config struct {
	ScheduleInterval  time.Duration // 0 disables ticker-driven cycles
	AutoTriggerDelay  time.Duration
	DefaultPriority   int
}

// Director owns serialised progression of ready branches into
// integration.
type Director struct {
	cfg      Config
	manifest *manifest.Manager
	integ    *integrator.Integrator
	bus      *eventbus.Bus
	log      *slog.Logger

	running atomic.Bool

	triggerMu    sync.Mutex
	triggerTimer *time.Timer

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Director.
func New(cfg Config, m *manifest.Manager, integ *integrator.Integrator, bus *eventbus.Bus, log *slog.Logger) *Director {
	if log == nil {
		log = slog.Default()
	}
	return &Director{
		cfg:      cfg,
		manifest: m,
		integ:    integ,
		bus:      bus,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Start launches the ticker-driven cycle loop, if ScheduleInterval > 0,
// and registers the reactive rebase-needed handler.
func (d *Director) Start(ctx context.Context) {
	d.bus.On(eventbus.DirectorPRRebaseNeeded, func(e eventbus.Event) {
		branch, _ := e.Data["branch"].(string)
		newBase, _ := e.Data["new_base"].(string)
		d.handleRebaseNeeded(ctx, branch, newBase)
	})

	if d.cfg.ScheduleInterval <= 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.ScheduleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.RunCycle(ctx)
			case <-d.stop:
				return
			}
		}
	}()
}

// Stop terminates the ticker loop, if running.
func (d *Director) Stop() {
	close(d.stop)
	d.wg.Wait()
}

// TriggerDebounced schedules a cycle after the configured auto-trigger
// delay, coalescing rapid successive triggers into one cycle.
func (d *Director) TriggerDebounced(ctx context.Context) {
	d.triggerMu.Lock()
	defer d.triggerMu.Unlock()
	if d.triggerTimer != nil {
		d.triggerTimer.Stop()
	}
	d.triggerTimer = time.AfterFunc(d.cfg.AutoTriggerDelay, func() {
		d.RunCycle(ctx)
	})
}

// RunCycle executes one director cycle per §4.7. A global running flag
// prevents overlapping cycles; a cycle already in flight causes this
// call to return immediately.
func (d *Director) RunCycle(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)

	d.bus.Publish(eventbus.Event{EventType: eventbus.DirectorActivated, Data: map[string]any{}})

	// Step 1: read main's head as last recorded in the manifest (updated
	// when a pipeline completes); the remote is not queried here.
	newHead := d.manifest.GetMainHead()

	// Step 2: flag pending_merge entries whose base has moved.
	snap := d.manifest.Snapshot()
	for _, entry := range snap.PendingMerge {
		if entry.BaseMainSHA != "" && newHead != "" && entry.BaseMainSHA != newHead {
			d.bus.Publish(eventbus.Event{EventType: eventbus.DirectorPRRebaseNeeded, Data: map[string]any{
				"branch": entry.Branch, "new_base": newHead,
			}})
		}
	}

	// Step 3: select the highest-priority ready entry whose
	// dependencies are satisfied.
	mergedBranches := make(map[string]bool, len(snap.MergeHistory))
	for _, h := range snap.MergeHistory {
		mergedBranches[h.Branch] = true
	}
	var selected *manifest.ReadyEntry
	for _, entry := range d.manifest.ReadySortedForDispatch() {
		if dependenciesSatisfied(entry.DependsOn, mergedBranches) {
			e := entry
			selected = &e
			break
		}
	}

	if selected != nil {
		d.dispatch(ctx, *selected)
	}

	d.bus.Publish(eventbus.Event{EventType: eventbus.DirectorCycleCompleted, Data: map[string]any{}})
}

func dependenciesSatisfied(dependsOn []string, merged map[string]bool) bool {
	for _, dep := range dependsOn {
		if !merged[dep] {
			return false
		}
	}
	return true
}

func (d *Director) dispatch(ctx context.Context, entry manifest.ReadyEntry) {
	d.bus.Publish(eventbus.Event{EventType: eventbus.DirectorIntegrationDispatched, Data: map[string]any{"branch": entry.Branch}})

	result, err := d.integ.Integrate(ctx, integrator.Request{
		Branch:             entry.Branch,
		PipelineBranch:     entry.PipelineBranch,
		BaseBranch:         entry.BaseBranch,
		Tier:               entry.Tier,
		RequestID:          entry.RequestID,
		CorrectionsApplied: entry.CorrectionsApplied,
	})
	if err != nil {
		d.log.Warn("director: integration failed, leaving entry in ready", "branch", entry.Branch, "error", err)
		d.bus.Publish(eventbus.Event{EventType: eventbus.DirectorIntegrationFailed, Data: map[string]any{
			"branch": entry.Branch, "error": err.Error(),
		}})
		return
	}

	if err := d.manifest.MoveToPendingMerge(entry.Branch, manifest.PendingMergeUpdate{
		PRNumber:          result.PRNumber,
		PRURL:             result.PRURL,
		IntegrationBranch: result.IntegrationBranch,
		BaseMainSHA:       result.BaseMainSHA,
	}); err != nil {
		d.log.Error("director: moveToPendingMerge failed", "branch", entry.Branch, "error", err)
		return
	}
	d.bus.Publish(eventbus.Event{EventType: eventbus.DirectorIntegrationPRCreated, Data: map[string]any{
		"branch": entry.Branch, "pr_number": result.PRNumber, "pr_url": result.PRURL,
	}})
}

func (d *Director) handleRebaseNeeded(ctx context.Context, branch, newBase string) {
	entry, ok := d.manifest.FindPendingMerge(branch)
	if !ok {
		return
	}
	result, err := d.integ.Rebase(ctx, integrator.RebaseRequest{
		Branch:            branch,
		PipelineBranch:    entry.PipelineBranch,
		IntegrationBranch: entry.IntegrationBranch,
		BaseBranch:        entry.BaseBranch,
		RequestID:         entry.RequestID,
	})
	if err != nil {
		d.log.Warn("director: rebase failed", "branch", branch, "error", err)
		return
	}
	if err := d.manifest.UpdatePendingMergeBaseSha(branch, result.NewBaseSHA); err != nil {
		d.log.Error("director: updatePendingMergeBaseSha failed", "branch", branch, "error", err)
	}
	_ = newBase
}
