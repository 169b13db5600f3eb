package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand-dev/conveyor/internal/eventbus"
)

func newTestRunner() *Runner {
	return New(Config{PipelinePrefix: "pipeline/"}, nil, nil, nil, nil, nil)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	r := newTestRunner()
	err := r.validate(Request{})
	assert.Error(t, err)
}

func TestValidateRejectsReservedPipelineBranch(t *testing.T) {
	r := newTestRunner()
	err := r.validate(Request{Branch: "pipeline/feature-x", RequestID: "r1", WorktreePath: "/tmp/x"})
	assert.Error(t, err)
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	r := newTestRunner()
	err := r.validate(Request{Branch: "feature/x", RequestID: "r1", WorktreePath: "/tmp/x"})
	assert.NoError(t, err)
}

func TestDefaultPromptBuilderRendersBranchTierAndAgents(t *testing.T) {
	out, err := DefaultPromptBuilder(
		Request{Branch: "feature/x", WorktreePath: "/work/feature-x"},
		TierMedium, []string{"dev", "qa"}, 3, "pipeline/",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "medium-tier")
	assert.Contains(t, out, "feature/x")
	assert.Contains(t, out, "dev, qa")
	assert.Contains(t, out, "/work/feature-x")
	assert.Contains(t, out, "pipeline/feature/x")
}

func TestAnyTerminalWasFailureDetectsFailedEvent(t *testing.T) {
	tr := translated{lifecycle: []eventbus.Event{{EventType: eventbus.PipelineFailed}}}
	assert.True(t, anyTerminalWasFailure(tr))

	tr2 := translated{lifecycle: []eventbus.Event{{EventType: eventbus.PipelineCompleted}}}
	assert.False(t, anyTerminalWasFailure(tr2))
}

func TestStopOnUnknownRequestIsNoOp(t *testing.T) {
	r := newTestRunner()
	assert.NotPanics(t, func() { r.Stop("unknown") })
}

func TestStateReturnsFalseForUntrackedRequest(t *testing.T) {
	r := newTestRunner()
	_, ok := r.State("unknown")
	assert.False(t, ok)
}
