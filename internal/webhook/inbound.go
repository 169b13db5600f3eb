package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dockhand-dev/conveyor/internal/eventbus"
)

// MergeNotification is the inbound payload shape per §6: a POST whose
// payload includes branch, pipeline_branch, and integration_branch
// translates into an integration.pr.merged event.
type MergeNotification struct {
	Branch            string `json:"branch"`
	PipelineBranch    string `json:"pipeline_branch"`
	IntegrationBranch string `json:"integration_branch"`
	CommitSHA         string `json:"commit_sha,omitempty"`
}

// verifySignature checks an "sha256=<hex hmac>" signature header
// against body using secret, mirroring the pack's GitHub-webhook
// verification helper.
func verifySignature(secret []byte, signature string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	return hmac.Equal(sigBytes, expected)
}

// Router mounts the single inbound integration-merge-notification
// route. This is deliberately narrow: one route, one purpose,
// translating an external event into integration.pr.merged — not a
// general HTTP surface.
func Router(secret string, bus *eventbus.Bus) http.Handler {
	r := chi.NewRouter()
	r.Post("/webhooks/integration", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if secret != "" {
			sig := r.Header.Get("X-Hub-Signature-256")
			if !verifySignature([]byte(secret), sig, body) {
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
		}
		var note MergeNotification
		if err := json.Unmarshal(body, &note); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if note.Branch == "" || note.PipelineBranch == "" || note.IntegrationBranch == "" {
			http.Error(w, "missing required fields", http.StatusBadRequest)
			return
		}
		bus.Publish(eventbus.Event{
			EventType: eventbus.IntegrationPRMerged,
			Data: map[string]any{
				"branch":             note.Branch,
				"pipeline_branch":    note.PipelineBranch,
				"integration_branch": note.IntegrationBranch,
				"commit_sha":         note.CommitSHA,
			},
		})
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}
