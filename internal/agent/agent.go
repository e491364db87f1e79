// Package agent runs one chat turn: it assembles the prompt, lets the model
// call tools until it produces an answer, and always returns visible text
// ending with the disclaimer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/finadvisor/internal/composer"
	"github.com/kalambet/finadvisor/internal/guardrail"
	"github.com/kalambet/finadvisor/internal/llm"
	"github.com/kalambet/finadvisor/internal/memory"
	"github.com/kalambet/finadvisor/internal/metrics"
	"github.com/kalambet/finadvisor/internal/storage"
	"github.com/kalambet/finadvisor/internal/tools"
)

const (
	defaultMaxSteps = 6
	defaultTimeout  = 60 * time.Second
	toolConcurrency = 4

	errorPrefix = "⚠️ Error: "
)

// ErrTooManySteps is returned when the model keeps calling tools without
// producing an answer.
var ErrTooManySteps = errors.New("no final answer within the step limit")

// ProfileSummarizer provides the profile text injected into the prompt.
type ProfileSummarizer interface {
	Summary(userID string) (string, error)
}

// InteractionRecorder persists finished chat turns.
type InteractionRecorder interface {
	SaveInteraction(i storage.Interaction) error
}

// Deps holds the agent's collaborators. Interactions and Metrics are optional.
type Deps struct {
	LLM          llm.Completer
	Tools        *tools.Registry
	Composer     *composer.Composer
	Profiles     ProfileSummarizer
	Sessions     *memory.Sessions
	Interactions InteractionRecorder
	Metrics      *metrics.Metrics

	MaxSteps   int
	Timeout    time.Duration
	Disclaimer string
}

// Agent answers chat messages.
type Agent struct {
	deps Deps
}

// New creates an Agent, filling in defaults for zero limits.
func New(deps Deps) *Agent {
	if deps.MaxSteps <= 0 {
		deps.MaxSteps = defaultMaxSteps
	}
	if deps.Timeout <= 0 {
		deps.Timeout = defaultTimeout
	}
	if deps.Disclaimer == "" {
		deps.Disclaimer = guardrail.Disclaimer
	}
	if deps.Composer == nil {
		deps.Composer = composer.New(0, deps.Disclaimer)
	}
	return &Agent{deps: deps}
}

// Chat answers message for userID. It never fails: model, tool and internal
// errors are rendered into the reply, which always carries the disclaimer.
func (a *Agent) Chat(ctx context.Context, userID, message string) string {
	start := time.Now()
	buf := a.deps.Sessions.Buffer(userID)
	history := buf.Get()

	text, errType := a.answer(ctx, userID, history, message)
	text = guardrail.EnsureDisclaimer(text, a.deps.Disclaimer)

	buf.Add(memory.RoleHuman, message)
	buf.Add(memory.RoleAI, text)

	a.record(userID, message, text, errType)
	a.deps.Metrics.ObserveChat(start, errType)
	return text
}

// answer returns the reply text and, on failure, a short error category.
func (a *Agent) answer(ctx context.Context, userID string, history []memory.Turn, message string) (text, errType string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("chat turn panicked", "user_id", userID, "panic", r)
			text, errType = errorPrefix+"internal error while preparing the reply.", "panic"
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.deps.Timeout)
	defer cancel()

	reply, err := a.run(ctx, userID, history, message)
	if err != nil {
		slog.Warn("chat turn failed", "user_id", userID, "error", err)
		return errorPrefix + err.Error(), classify(err)
	}
	return reply, ""
}

func (a *Agent) run(ctx context.Context, userID string, history []memory.Turn, message string) (string, error) {
	summary, err := a.deps.Profiles.Summary(userID)
	if err != nil {
		slog.Warn("failed to load profile summary", "user_id", userID, "error", err)
		summary = ""
	}

	msgs := a.deps.Composer.Compose(summary, history, message)
	toolDefs := a.deps.Tools.OpenAITools()

	for step := 0; step < a.deps.MaxSteps; step++ {
		resp, err := a.deps.LLM.Complete(ctx, msgs, toolDefs)
		if err != nil {
			return "", fmt.Errorf("calling model: %w", err)
		}
		msgs = append(msgs, resp)

		if len(resp.ToolCalls) == 0 {
			return strings.TrimSpace(resp.Content), nil
		}

		results, err := a.callTools(ctx, userID, resp.ToolCalls)
		if err != nil {
			return "", err
		}
		for i, tc := range resp.ToolCalls {
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    results[i],
				Name:       tc.Function.Name,
				ToolCallID: tc.ID,
			})
		}
		slog.Debug("tool step complete", "user_id", userID, "step", step+1, "calls", len(resp.ToolCalls))
	}
	return "", ErrTooManySteps
}

// callTools runs the calls of one model turn concurrently. Results keep the
// order of calls.
func (a *Agent) callTools(ctx context.Context, userID string, calls []openai.ToolCall) ([]string, error) {
	results := make([]string, len(calls))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(toolConcurrency)

	for i, tc := range calls {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("tool panicked", "tool", tc.Function.Name, "panic", r)
					results[i] = `{"error":"internal tool error"}`
				}
			}()
			results[i] = a.deps.Tools.CallJSON(gCtx, userID, tc.Function.Name, tc.Function.Arguments)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("running tools: %w", err)
	}
	return results, nil
}

func (a *Agent) record(userID, message, reply, errType string) {
	if a.deps.Interactions == nil {
		return
	}
	status := "ok"
	if errType != "" {
		status = "error"
	}
	err := a.deps.Interactions.SaveInteraction(storage.Interaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
		UserMessage: message,
		Reply:       reply,
		Status:      status,
	})
	if err != nil {
		slog.Warn("failed to record interaction", "user_id", userID, "error", err)
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrTooManySteps):
		return "max_steps"
	default:
		return "llm"
	}
}

// EndSession drops the user's conversation history.
func (a *Agent) EndSession(userID string) {
	a.deps.Sessions.End(userID)
}
