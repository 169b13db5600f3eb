package ragretrieval

import (
	"context"
	"fmt"

	"github.com/dockhand-dev/conveyor/internal/pipeline"
)

// WrapPromptBuilder returns a pipeline.PromptBuilder that renders next's
// prompt and appends retrieved context relevant to the branch and tier,
// wired behind config.rag.enabled in the bootstrap layer.
func WrapPromptBuilder(r *Retriever, next pipeline.PromptBuilder) pipeline.PromptBuilder {
	if next == nil {
		next = pipeline.DefaultPromptBuilder
	}
	return func(req pipeline.Request, tier pipeline.Tier, agents []string, maxCorrections int, pipelinePrefix string) (string, error) {
		base, err := next(req, tier, agents, maxCorrections, pipelinePrefix)
		if err != nil {
			return "", err
		}
		query := fmt.Sprintf("%s tier change on branch %s", tier, req.Branch)
		enrichment, err := r.RetrieveForPrompt(context.Background(), query, 5)
		if err != nil || enrichment == "" {
			return base, nil
		}
		return base + "\n\n" + enrichment, nil
	}
}
