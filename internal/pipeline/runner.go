package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dockhand-dev/conveyor/internal/agentclient"
	"github.com/dockhand-dev/conveyor/internal/eventbus"
	"github.com/dockhand-dev/conveyor/internal/gitwt"
	"github.com/dockhand-dev/conveyor/internal/pipelineerr"
	"github.com/dockhand-dev/conveyor/internal/resilience"
)

// Config configures a Runner.
type Config struct {
	PipelinePrefix string
	Tiers          TierConfig
	MaxCorrections int
	AgentMode      agentclient.Mode
	AgentModel     string
	ClaudePath     string
	StopGrace      time.Duration
}

// PromptBuilder renders the prompt handed to the agent session for a
// given tier/request. Separated out so callers can swap in the RAG
// enrichment supplement without touching the runner's core logic.
type PromptBuilder func(req Request, tier Tier, agents []string, maxCorrections int, pipelinePrefix string) (string, error)

// Runner executes PipelineRequests. It exclusively owns PipelineState
// for every in-flight request_id.
type Runner struct {
	cfg      Config
	bus      *eventbus.Bus
	breakers *resilience.Breakers
	git      *gitwt.Driver
	prompt   PromptBuilder
	log      *slog.Logger

	mu       sync.Mutex
	states   map[string]*State
	sessions map[string]agentclient.AgentSession
}

// DefaultPromptBuilder renders a minimal, self-contained prompt when no
// richer builder (e.g. the RAG-enriched one) is supplied.
func DefaultPromptBuilder(req Request, tier Tier, agents []string, maxCorrections int, pipelinePrefix string) (string, error) {
	const tmpl = `You are running a {{.Tier}}-tier pipeline for branch {{.Branch}}.
Dispatch the following agents as needed: {{join .Agents ", "}}.
You may self-correct up to {{.MaxCorrections}} times if an agent fails.
Your work will land on {{.PipelinePrefix}}{{.Branch}}; never push directly to it yourself.
Work inside {{.WorktreePath}}.`
	return agentclient.RenderPrompt(tmpl, struct {
		Tier           Tier
		Branch         string
		Agents         []string
		MaxCorrections int
		WorktreePath   string
		PipelinePrefix string
	}{tier, req.Branch, agents, maxCorrections, req.WorktreePath, pipelinePrefix})
}

// New creates a Runner.
func New(cfg Config, bus *eventbus.Bus, breakers *resilience.Breakers, git *gitwt.Driver, prompt PromptBuilder, log *slog.Logger) *Runner {
	if prompt == nil {
		prompt = DefaultPromptBuilder
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		bus:      bus,
		breakers: breakers,
		git:      git,
		prompt:   prompt,
		log:      log,
		states:   make(map[string]*State),
		sessions: make(map[string]agentclient.AgentSession),
	}
}

// validate checks the request against the branch-naming rule of §6:
// a branch starting with the pipeline prefix is reserved and rejected.
func (r *Runner) validate(req Request) error {
	if req.Branch == "" || req.RequestID == "" || req.WorktreePath == "" {
		return pipelineerr.New("pipeline.validate", pipelineerr.Validation)
	}
	if strings.HasPrefix(req.Branch, r.cfg.PipelinePrefix) {
		return pipelineerr.New("pipeline.validate", pipelineerr.Validation)
	}
	return nil
}

func (r *Runner) publish(st *State, e eventbus.Event) {
	e.RequestID = st.RequestID
	r.mu.Lock()
	st.EventsCount++
	r.mu.Unlock()
	r.bus.Publish(e)
}

// Run executes request to completion, publishing the full lifecycle
// event sequence of §4.5.2/§4.5.3 and returning the terminal state.
func (r *Runner) Run(ctx context.Context, req Request) (*State, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}

	st := &State{
		RequestID:      req.RequestID,
		Status:         StatusAccepted,
		PipelineBranch: r.cfg.PipelinePrefix + req.Branch,
		StartedAt:      time.Now(),
		Request:        req,
	}
	r.mu.Lock()
	r.states[req.RequestID] = st
	r.mu.Unlock()

	r.publish(st, eventbus.Event{EventType: eventbus.PipelineAccepted, Data: map[string]any{
		"branch": req.Branch, "worktree_path": req.WorktreePath,
	}})

	// Step 2: classify tier.
	tier := Tier("")
	if req.Config != nil && req.Config.Tier != "" {
		tier = req.Config.Tier
	} else {
		base := req.BaseBranch
		if base == "" {
			base = "origin/main"
		} else {
			base = "origin/" + base
		}
		stats, err := r.git.DiffStats(ctx, req.WorktreePath, base)
		if err != nil {
			r.log.Warn("pipeline: diff stats failed, defaulting to large tier", "request_id", req.RequestID, "error", err)
			tier = TierLarge
		} else {
			tier = ClassifyTier(ChangeStats{FilesChanged: stats.FilesChanged, LinesChanged: stats.LinesChanged}, r.cfg.Tiers)
		}
	}
	st.Tier = tier
	st.transition(StatusRunning)
	r.publish(st, eventbus.Event{EventType: eventbus.PipelineTierClassified, Data: map[string]any{"tier": string(tier)}})

	// Step 3: sandbox/containers readiness is an external collaborator
	// contract (§1 out-of-scope HTTP/sandbox surface); the core only
	// publishes that it is ready to proceed.
	r.publish(st, eventbus.Event{EventType: eventbus.PipelineContainersReady, Data: map[string]any{}})

	// Step 4: build prompt.
	agents := AgentsForTier(tier, r.cfg.Tiers)
	promptText, err := r.prompt(req, tier, agents, r.cfg.MaxCorrections, r.cfg.PipelinePrefix)
	if err != nil {
		return r.fail(st, "error", fmt.Sprintf("failed to build prompt: %v", err)), nil
	}

	// Step 5: start the agent through the circuit breaker.
	session, err := resilience.Call(ctx, r.breakers.Agent, "pipeline.startAgent", func(ctx context.Context) (agentclient.AgentSession, error) {
		return agentclient.Start(ctx, agentclient.Config{
			Mode:       r.cfg.AgentMode,
			ClaudePath: r.cfg.ClaudePath,
			Model:      r.cfg.AgentModel,
			WorkDir:    req.WorktreePath,
		}, promptText)
	})
	if err != nil {
		return r.fail(st, "error", err.Error()), nil
	}

	r.mu.Lock()
	r.sessions[req.RequestID] = session
	r.mu.Unlock()

	return r.consume(ctx, st, session), nil
}

func (r *Runner) fail(st *State, status Status, errMsg string) *State {
	st.transition(Status(status))
	event := eventbus.Event{EventType: eventbus.PipelineFailed, Data: map[string]any{"error": errMsg}}
	enrichTerminal(&event, st)
	r.publish(st, event)
	return st
}

// consume reads session's NDJSON stream until EOF, translating each
// message into lifecycle events and mirroring it verbatim as
// pipeline.cli_message, without ever buffering the whole stream.
func (r *Runner) consume(ctx context.Context, st *State, session agentclient.AgentSession) *State {
	for {
		msg, ok, err := session.Next()
		if err != nil {
			r.log.Error("pipeline: stream read error", "request_id", st.RequestID, "error", err)
			break
		}
		if !ok {
			break
		}

		r.publish(st, eventbus.Event{EventType: eventbus.PipelineCLIMessage, Data: map[string]any{"raw": string(msg.Raw)}})

		result := translate(st, msg)
		for i := range result.lifecycle {
			event := result.lifecycle[i]
			if event.EventType == eventbus.PipelineCompleted || event.EventType == eventbus.PipelineFailed {
				enrichTerminal(&event, st)
			}
			r.publish(st, event)
		}
		if result.terminal {
			if st.sawResult {
				waitErr := session.Wait()
				if waitErr != nil {
					r.log.Warn("pipeline: agent process exit error after result", "request_id", st.RequestID, "error", waitErr)
				}
			}
			if anyTerminalWasFailure(result) {
				st.transition(StatusFailed)
			} else {
				st.transition(StatusApproved)
			}
			r.forget(st.RequestID)
			return st
		}
	}

	// Stream ended without a terminal result: the agent subprocess
	// exited unexpectedly.
	_ = session.Wait()
	return r.fail(st, "error", "Agent process exited unexpectedly")
}

func anyTerminalWasFailure(t translated) bool {
	for _, e := range t.lifecycle {
		if e.EventType == eventbus.PipelineFailed {
			return true
		}
	}
	return false
}

// Stop terminates an in-flight request's agent subprocess. Publishes
// pipeline.stopped and transitions the state to failed. Stopping after
// a result has already been observed is ignored.
func (r *Runner) Stop(requestID string) {
	r.mu.Lock()
	st, ok := r.states[requestID]
	r.mu.Unlock()
	if !ok || st.sawResult {
		return
	}
	r.mu.Lock()
	session := r.sessions[requestID]
	r.mu.Unlock()
	if session != nil {
		session.Stop(r.cfg.StopGrace)
	}
	st.transition(StatusFailed)
	r.publish(st, eventbus.Event{EventType: eventbus.PipelineStopped, Data: map[string]any{"branch": st.Request.Branch}})
	r.forget(requestID)
}

func (r *Runner) forget(requestID string) {
	r.mu.Lock()
	delete(r.states, requestID)
	delete(r.sessions, requestID)
	r.mu.Unlock()
}

// State returns the in-memory state for requestID, if still tracked.
func (r *Runner) State(requestID string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[requestID]
	return st, ok
}
