package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/finadvisor/internal/advisor"
	"github.com/kalambet/finadvisor/internal/guardrail"
	"github.com/kalambet/finadvisor/internal/market"
	"github.com/kalambet/finadvisor/internal/memory"
	"github.com/kalambet/finadvisor/internal/metrics"
	"github.com/kalambet/finadvisor/internal/profile"
	"github.com/kalambet/finadvisor/internal/storage"
	"github.com/kalambet/finadvisor/internal/tools"
)

// --- Mock LLM ---

type step func(msgs []openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error)

type mockLLM struct {
	mu    sync.Mutex
	steps []step
	calls [][]openai.ChatCompletionMessage
}

func (m *mockLLM) Complete(ctx context.Context, msgs []openai.ChatCompletionMessage, _ []openai.Tool) (openai.ChatCompletionMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]openai.ChatCompletionMessage(nil), msgs...)
	m.calls = append(m.calls, cp)
	if len(m.steps) == 0 {
		return openai.ChatCompletionMessage{}, errors.New("no scripted response")
	}
	s := m.steps[0]
	if len(m.steps) > 1 {
		m.steps = m.steps[1:]
	}
	return s(cp)
}

func reply(text string) step {
	return func([]openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error) {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text}, nil
	}
}

func callTools(calls ...openai.ToolCall) step {
	return func([]openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error) {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, ToolCalls: calls}, nil
	}
}

func toolCall(id, name, args string) openai.ToolCall {
	return openai.ToolCall{ID: id, Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: name, Arguments: args}}
}

type noQuotes struct{}

func (noQuotes) Quote(context.Context, string) (market.Quote, error) {
	return market.Quote{}, market.ErrMissingAPIKey
}

type fixture struct {
	agent    *Agent
	llm      *mockLLM
	store    *storage.Store
	sessions *memory.Sessions
}

func newFixture(t *testing.T, steps ...step) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	profiles := profile.NewManager(store)
	m := metrics.New()
	registry := tools.New(tools.Deps{Advisor: advisor.New(profiles), Quotes: noQuotes{}, Metrics: m})
	sessions := memory.NewSessions(6, 0)
	llm := &mockLLM{steps: steps}

	a := New(Deps{
		LLM:          llm,
		Tools:        registry,
		Profiles:     profiles,
		Sessions:     sessions,
		Interactions: store,
		Metrics:      m,
		Timeout:      5 * time.Second,
	})
	return &fixture{agent: a, llm: llm, store: store, sessions: sessions}
}

func TestChat_PlainReplyGetsDisclaimer(t *testing.T) {
	f := newFixture(t, reply("Save early and often."))

	got := f.agent.Chat(context.Background(), "alice", "How should I save?")
	assert.Equal(t, "Save early and often.\n\n"+guardrail.Disclaimer, got)
}

func TestChat_DisclaimerAppendedOnce(t *testing.T) {
	f := newFixture(t, reply("Consider an index fund.\n\n"+guardrail.Disclaimer))

	got := f.agent.Chat(context.Background(), "alice", "hi")
	assert.Equal(t, 1, strings.Count(got, guardrail.Disclaimer))
	assert.True(t, strings.HasSuffix(got, guardrail.Disclaimer))
}

func TestChat_ToolLoop(t *testing.T) {
	demo := `{"demographics": {"age": 30, "marital_status": "single", "dependents": 0, "income": 100000, "net_worth": 50000}}`
	f := newFixture(t,
		callTools(toolCall("c1", "savings_model", demo), toolCall("c2", "market_snapshot", "{}")),
		func(msgs []openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error) {
			// Tool results come back in call order, tied to their call ids.
			n := len(msgs)
			if msgs[n-2].ToolCallID != "c1" || msgs[n-1].ToolCallID != "c2" {
				return openai.ChatCompletionMessage{}, errors.New("tool results out of order")
			}
			var res map[string]any
			if err := json.Unmarshal([]byte(msgs[n-2].Content), &res); err != nil {
				return openai.ChatCompletionMessage{}, err
			}
			if res["annual_savings"] != 21000.0 {
				return openai.ChatCompletionMessage{}, errors.New("unexpected savings result")
			}
			return openai.ChatCompletionMessage{Role: "assistant", Content: "Save about $1,750 a month."}, nil
		},
	)

	got := f.agent.Chat(context.Background(), "alice", "I'm 30, single, earn 100k, worth 50k.")
	assert.True(t, strings.HasPrefix(got, "Save about $1,750 a month."), got)

	// The savings call persisted the profile.
	data, err := f.store.GetProfile("alice")
	require.NoError(t, err)
	assert.Contains(t, data, `"marital_status":"single"`)
}

func TestChat_ToolErrorsDoNotAbort(t *testing.T) {
	f := newFixture(t,
		callTools(toolCall("c1", "savings_model", "{}")),
		func(msgs []openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error) {
			last := msgs[len(msgs)-1]
			return openai.ChatCompletionMessage{Role: "assistant", Content: "tool said: " + last.Content}, nil
		},
	)

	got := f.agent.Chat(context.Background(), "nobody", "savings?")
	assert.Contains(t, got, advisor.MissingDataMessage)
}

func TestChat_LLMErrorBecomesReply(t *testing.T) {
	f := newFixture(t, func([]openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error) {
		return openai.ChatCompletionMessage{}, errors.New("upstream unavailable")
	})

	got := f.agent.Chat(context.Background(), "alice", "hi")
	assert.True(t, strings.HasPrefix(got, errorPrefix), got)
	assert.Contains(t, got, "upstream unavailable")
	assert.True(t, strings.HasSuffix(got, guardrail.Disclaimer))

	list, err := f.store.ListInteractions("alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "error", list[0].Status)
}

func TestChat_PanicIsRecovered(t *testing.T) {
	f := newFixture(t, func([]openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error) {
		panic("boom")
	})

	got := f.agent.Chat(context.Background(), "alice", "hi")
	assert.True(t, strings.HasPrefix(got, errorPrefix))
	assert.True(t, strings.HasSuffix(got, guardrail.Disclaimer))
}

func TestChat_StepLimit(t *testing.T) {
	f := newFixture(t, callTools(toolCall("c", "market_snapshot", "")))
	f.agent.deps.MaxSteps = 2

	got := f.agent.Chat(context.Background(), "alice", "loop")
	assert.Contains(t, got, ErrTooManySteps.Error())
	assert.Len(t, f.llm.calls, 2)
}

func TestChat_HistoryIsPerUserAndExcludesCurrentMessage(t *testing.T) {
	f := newFixture(t, reply("ok"))
	ctx := context.Background()

	f.agent.Chat(ctx, "alice", "first")
	f.agent.Chat(ctx, "bob", "from bob")
	f.agent.Chat(ctx, "alice", "second")

	last := f.llm.calls[2]
	// system, previous human, previous ai, current message
	require.Len(t, last, 4)
	assert.Equal(t, "first", last[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, last[2].Role)
	assert.Equal(t, "second", last[3].Content)

	turns := f.sessions.Buffer("alice").Get()
	require.Len(t, turns, 4)
	assert.Equal(t, memory.RoleHuman, turns[2].Role)
	assert.Equal(t, "second", turns[2].Content)
	assert.True(t, strings.HasSuffix(turns[3].Content, guardrail.Disclaimer))
}

func TestChat_RecordsInteractions(t *testing.T) {
	f := newFixture(t, reply("fine"))

	f.agent.Chat(context.Background(), "carol", "hello")

	list, err := f.store.ListInteractions("carol", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].UserMessage)
	assert.Equal(t, "ok", list[0].Status)
	assert.NotEmpty(t, list[0].ID)
}

func TestChat_Timeout(t *testing.T) {
	f := newFixture(t)
	f.llm.steps = []step{func([]openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error) {
		return openai.ChatCompletionMessage{}, context.DeadlineExceeded
	}}

	got := f.agent.Chat(context.Background(), "dave", "slow")
	assert.Contains(t, got, "deadline exceeded")
	assert.Equal(t, "timeout", classify(context.DeadlineExceeded))
}

func TestEndSession(t *testing.T) {
	f := newFixture(t, reply("ok"))
	f.agent.Chat(context.Background(), "erin", "hi")
	require.Equal(t, 1, f.sessions.Len())

	f.agent.EndSession("erin")
	assert.Equal(t, 0, f.sessions.Len())
}
