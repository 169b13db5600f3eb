package webhook

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand-dev/conveyor/internal/eventbus"
)

func TestAcceptsEmptyFilterLetsEverythingThrough(t *testing.T) {
	a := NewAdapter(Target{URL: "http://example.invalid"})
	assert.True(t, a.Accepts(eventbus.PipelineCompleted))
	assert.True(t, a.Accepts(eventbus.IntegrationFailed))
}

func TestAcceptsFiltersToConfiguredKinds(t *testing.T) {
	a := NewAdapter(Target{URL: "http://example.invalid", Events: []eventbus.Kind{eventbus.PipelineCompleted}})
	assert.True(t, a.Accepts(eventbus.PipelineCompleted))
	assert.False(t, a.Accepts(eventbus.PipelineFailed))
}

func TestAdapterNameIncludesURL(t *testing.T) {
	a := NewAdapter(Target{URL: "http://example.invalid/hook"})
	assert.Equal(t, "webhook:http://example.invalid/hook", a.AdapterName())
}

func TestDeliverSendsSecretHeaderAndJSONPayload(t *testing.T) {
	var gotSecret, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Webhook-Secret")
		gotContentType = r.Header.Get("Content-Type")
		gotBody = make([]byte, r.ContentLength)
		_, _ = r.Body.Read(gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewAdapter(Target{URL: srv.URL, Secret: "s3cr3t"})
	err := a.Deliver(eventbus.Event{EventType: eventbus.PipelineCompleted, RequestID: "r1"})
	require.NoError(t, err)

	assert.Equal(t, "s3cr3t", gotSecret)
	assert.Equal(t, "application/json", gotContentType)
	assert.Contains(t, string(gotBody), "pipeline.completed")
}

func TestDeliverReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAdapter(Target{URL: srv.URL})
	err := a.Deliver(eventbus.Event{EventType: eventbus.PipelineCompleted})
	assert.Error(t, err)
}
