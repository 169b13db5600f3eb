package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// APISession drives the Anthropic Messages API directly instead of
// shelling out to the claude binary, the API-mode invocation path the
// teacher's agents/api_spawner.go supported alongside its CLI spawner.
// A single non-streaming call is adapted into the same
// system-init/assistant/result message sequence the CLI session
// produces, so PipelineRunner's consume loop and the translator stay
// invocation-mode agnostic.
type APISession struct {
	messages []Message
	idx      int
}

// StartAPI sends prompt to the Anthropic API in one call and returns a
// session that replays the synthesized message sequence through
// Next(), mirroring the CLI session's NDJSON shape.
func StartAPI(ctx context.Context, cfg Config, prompt string) (*APISession, error) {
	client := anthropic.NewClient(option.WithEnvironmentProduction())

	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropic.ModelClaude3_5SonnetLatest
	}

	resp, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(model),
		MaxTokens: anthropic.F(int64(8192)),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("agentclient: anthropic api call: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			text += block.Text
		}
	}

	msgs := []Message{
		{Type: "system", Subtype: "init", SessionID: string(resp.ID), Model: string(resp.Model)},
		{Type: "assistant", Message: &AssistantMessage{Content: []ContentBlock{{Type: "text", Text: text}}}},
		{Type: "result", Subtype: "success", Result: text, NumTurns: 1},
	}
	for i := range msgs {
		raw, err := json.Marshal(msgs[i])
		if err != nil {
			return nil, fmt.Errorf("agentclient: marshal synthesized message: %w", err)
		}
		msgs[i].Raw = raw
	}
	return &APISession{messages: msgs}, nil
}

// Next replays the synthesized message sequence, one message per call.
func (s *APISession) Next() (Message, bool, error) {
	if s.idx >= len(s.messages) {
		return Message{}, false, nil
	}
	msg := s.messages[s.idx]
	s.idx++
	return msg, true, nil
}

// Wait is a no-op: the API call already completed by the time Start
// returned.
func (s *APISession) Wait() error { return nil }

// Stop is a no-op: there is no subprocess to signal. A future
// streaming variant would cancel the in-flight request here.
func (s *APISession) Stop(grace time.Duration) {}
