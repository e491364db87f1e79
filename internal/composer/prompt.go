package composer

import (
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kalambet/finadvisor/internal/guardrail"
	"github.com/kalambet/finadvisor/internal/memory"
)

const defaultMaxContextTokens = 4000

const systemPromptTemplate = `You are a regulated-friendly investment planning assistant.
Primary goal: help the user with savings estimation and insurance recommendations based on demographics,
and answer retirement planning questions. You can call tools when needed.

Guardrails & policies:
- Educational, planning-focused guidance only. No specific securities buy/sell recommendations.
- Always include a short disclaimer at the end of actionable outputs.
- Ask for missing key demographics if they are essential (age, marital_status, dependents, income, net_worth, location).
- If the user asks for real-time market timing or speculative trades, gently deflect to long-term strategy.
- Respect PII minimization: avoid echoing unnecessary sensitive details.

When tools are available:
- Use "savings_model" to estimate annual/monthly savings amount and savings rate.
- Use "insurance_model" to produce coverage categories and approximate coverage amounts for the profile.
- Use "get_profile" to recall demographics the user already shared.
- Use "market_snapshot" only when the user explicitly asks for market context.
- Use "stock_quote" when the user asks about a specific ticker.

Memory:
- Demographics passed to the model tools are stored as the user's profile.
- Use the conversation history for short-term context only.

Return JSON-like bullet points or concise paragraphs suitable for a chatbot.
Always end with: "%s"`

// Composer assembles the message list for one chat turn: the system prompt
// with the user's profile summary, as much recent history as the token
// budget allows, then the new user message.
type Composer struct {
	MaxContextTokens int
	Disclaimer       string
}

// New creates a Composer with the given token budget for history and profile.
// If maxContextTokens <= 0, the default (4000) is used. An empty disclaimer
// uses guardrail.Disclaimer.
func New(maxContextTokens int, disclaimer string) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if disclaimer == "" {
		disclaimer = guardrail.Disclaimer
	}
	return &Composer{MaxContextTokens: maxContextTokens, Disclaimer: disclaimer}
}

// SystemPrompt returns the fixed instructions, ending with the disclaimer.
func (c *Composer) SystemPrompt() string {
	return fmt.Sprintf(systemPromptTemplate, c.Disclaimer)
}

// Compose builds the messages for a turn. history is oldest first and must
// not already contain message. The oldest turns are dropped first when the
// budget runs out; the system prompt and the new message are always kept.
func (c *Composer) Compose(profileSummary string, history []memory.Turn, message string) []openai.ChatCompletionMessage {
	var sb strings.Builder
	sb.WriteString(c.SystemPrompt())
	if profileSummary != "" {
		sb.WriteString("\n\n[User Profile]\n")
		sb.WriteString(profileSummary)
	}
	system := sb.String()

	// Budget covers injected context only; the fixed instructions are not counted.
	remaining := c.MaxContextTokens - EstimateTokens(profileSummary) - EstimateTokens(message)

	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		tokens := EstimateTokens(history[i].Content)
		if tokens > remaining {
			break
		}
		remaining -= tokens
		start = i
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)-start+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, turn := range history[start:] {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: roleFor(turn.Role), Content: turn.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})
	return msgs
}

func roleFor(r memory.Role) string {
	if r == memory.RoleAI {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
