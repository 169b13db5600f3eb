// Package agentclient spawns the code-generation agent subprocess and
// exposes its NDJSON message stream one line at a time. Unlike a
// buffer-then-return invocation, the stream is consumed as it arrives so
// the PipelineRunner can translate messages into bus events without
// waiting for the process to exit.
package agentclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Mode selects how an agent turn is actually run: by shelling out to
// the claude CLI, or by calling the Anthropic API directly. Mirrors
// the teacher's cli/api/auto spawner modes.
type Mode string

const (
	ModeCLI  Mode = "cli"
	ModeAPI  Mode = "api"
	ModeAuto Mode = "auto"
)

// resolve picks the effective mode for Auto: API mode if credentials
// are available, CLI mode otherwise.
func (m Mode) resolve() Mode {
	if m != ModeAuto && m != "" {
		return m
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return ModeAPI
	}
	return ModeCLI
}

// AgentSession is the stream abstraction PipelineRunner consumes. Both
// the CLI subprocess session and the direct-API session satisfy it, so
// the runner's consume loop is invocation-mode agnostic.
type AgentSession interface {
	Next() (Message, bool, error)
	Wait() error
	Stop(grace time.Duration)
}

// Message is one NDJSON-decoded line from the agent's stdout. Only the
// discriminator and the fields the translator needs are modeled; Raw
// keeps the full decoded line for verbatim forwarding.
type Message struct {
	Type    string          `json:"type"` // "system", "assistant", "user", "result"
	Subtype string          `json:"subtype,omitempty"`

	// system:init
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// assistant
	Message *AssistantMessage `json:"message,omitempty"`

	// result
	IsError  bool            `json:"is_error,omitempty"`
	Result   string          `json:"result,omitempty"`
	DurationMS int           `json:"duration_ms,omitempty"`
	NumTurns int             `json:"num_turns,omitempty"`
	CostUSD  float64         `json:"cost_usd,omitempty"`
	Errors   json.RawMessage `json:"errors,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// AssistantMessage models the subset of Anthropic-style assistant
// message content the translator inspects.
type AssistantMessage struct {
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block of an assistant message's content array.
type ContentBlock struct {
	Type      string          `json:"type"` // "text" or "tool_use"
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// templateFuncs mirrors the prompt-template helpers used throughout the
// agent prompt library.
var templateFuncs = template.FuncMap{
	"title": cases.Title(language.English).String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
	"sub":   func(a, b int) int { return a - b },
	"add":   func(a, b int) int { return a + b },
}

// RenderPrompt executes tmplText as a text/template against data.
func RenderPrompt(tmplText string, data any) (string, error) {
	tmpl, err := template.New("prompt").Funcs(templateFuncs).Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("agentclient: parse prompt template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("agentclient: render prompt: %w", err)
	}
	return sb.String(), nil
}

// Session is a running agent subprocess whose stdout is consumed line
// by line.
type Session struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	done    chan error
}

// Config configures how the agent binary (or API call) is invoked.
type Config struct {
	Mode       Mode
	ClaudePath string
	Model      string
	WorkDir    string
	ExtraArgs  []string
}

// Start dispatches to the CLI subprocess or the direct Anthropic API
// call depending on cfg.Mode (resolving Auto by ANTHROPIC_API_KEY
// presence), returning a Session streaming the synthesized or real
// NDJSON message sequence.
func Start(ctx context.Context, cfg Config, prompt string) (AgentSession, error) {
	switch cfg.Mode.resolve() {
	case ModeAPI:
		return StartAPI(ctx, cfg, prompt)
	default:
		return startCLI(ctx, cfg, prompt)
	}
}

// startCLI launches the agent subprocess with prompt on stdin and
// returns a Session streaming its stdout.
func startCLI(ctx context.Context, cfg Config, prompt string) (*Session, error) {
	claudePath := cfg.ClaudePath
	if claudePath == "" {
		claudePath = "claude"
	}
	args := []string{"--print", "--output-format", "stream-json", "--dangerously-skip-permissions"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, cfg.ExtraArgs...)

	cmd := exec.CommandContext(ctx, claudePath, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agentclient: stdout pipe: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentclient: start: %w", err)
	}

	s := &Session{cmd: cmd, scanner: scanner, done: make(chan error, 1)}
	return s, nil
}

// Next blocks until the next NDJSON line is available, returning
// (msg, true, nil) on success, (zero, false, nil) at clean EOF, or an
// error if the line could not be decoded or the scanner failed.
func (s *Session) Next() (Message, bool, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return Message{}, false, fmt.Errorf("agentclient: read stream: %w", err)
		}
		return Message{}, false, nil
	}
	line := s.scanner.Bytes()
	if len(line) == 0 {
		return s.Next()
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, false, fmt.Errorf("agentclient: decode line: %w", err)
	}
	msg.Raw = append(json.RawMessage(nil), line...)
	return msg, true, nil
}

// Wait blocks until the subprocess exits, returning its error (nil on a
// clean zero exit).
func (s *Session) Wait() error {
	return s.cmd.Wait()
}

// Stop signals the subprocess to terminate gracefully, then forcibly
// kills it if it has not exited within grace. Callers typically cancel
// the context passed to Start first, then call Stop to bound the wait.
func (s *Session) Stop(grace time.Duration) {
	if s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	time.AfterFunc(grace, func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
}
