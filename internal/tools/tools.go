// Package tools defines the functions the model (and MCP clients) may call:
// savings_model, insurance_model, get_profile, market_snapshot and stock_quote.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kalambet/finadvisor/internal/advisor"
	"github.com/kalambet/finadvisor/internal/heuristics"
	"github.com/kalambet/finadvisor/internal/market"
	"github.com/kalambet/finadvisor/internal/metrics"
	"github.com/kalambet/finadvisor/internal/profile"
)

// Advisor is the subset of advisor.Advisor the tools call.
type Advisor interface {
	Savings(userID string, demographics map[string]any) (heuristics.Result, error)
	Insurance(userID string, demographics map[string]any) (heuristics.Result, error)
	Profile(userID string) (profile.Profile, error)
}

// Quoter fetches a single stock quote.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (market.Quote, error)
}

// Func runs a tool for userID with decoded arguments.
type Func func(ctx context.Context, userID string, args map[string]any) (any, error)

// Tool describes one callable function.
type Tool struct {
	Name        string
	Description string
	Params      Params
	// Scoped tools act on a user's data and need a user id.
	Scoped bool
	Call   Func
}

// Params is a JSON Schema object describing tool arguments.
type Params struct {
	Properties map[string]Property
	Required   []string
}

// Property is a single argument.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

const userIDProperty = "user_id"

// Schema renders the parameters as JSON Schema. withUser adds a required
// user_id argument, used where the caller is not bound to a session.
func (p Params) Schema(withUser bool) json.RawMessage {
	props := make(map[string]Property, len(p.Properties)+1)
	for k, v := range p.Properties {
		props[k] = v
	}
	required := append([]string(nil), p.Required...)
	if withUser {
		props[userIDProperty] = Property{Type: "string", Description: "User identifier"}
		required = append([]string{userIDProperty}, required...)
	}

	doc := struct {
		Type       string              `json:"type"`
		Properties map[string]Property `json:"properties"`
		Required   []string            `json:"required,omitempty"`
	}{Type: "object", Properties: props, Required: required}

	b, _ := json.Marshal(doc)
	return b
}

// Deps holds what the tools need.
type Deps struct {
	Advisor Advisor
	Quotes  Quoter
	Metrics *metrics.Metrics
}

// Registry holds the tool set in a fixed order.
type Registry struct {
	tools   []Tool
	byName  map[string]Tool
	metrics *metrics.Metrics
}

const demographicsDescription = "Demographic data of the user (age, marital_status, dependents, income, net_worth, location). " +
	"If missing, the stored profile is used or the user is asked to provide it."

// New creates the registry with all five tools.
func New(deps Deps) *Registry {
	demoParams := Params{Properties: map[string]Property{
		"demographics": {Type: "object", Description: demographicsDescription},
	}}

	r := &Registry{byName: make(map[string]Tool), metrics: deps.Metrics}
	r.add(Tool{
		Name:        "savings_model",
		Description: "Estimate savings amounts and rate for a user.",
		Params:      demoParams,
		Scoped:      true,
		Call: func(_ context.Context, userID string, args map[string]any) (any, error) {
			demo, err := demographicsArg(args)
			if err != nil {
				return nil, err
			}
			res, err := deps.Advisor.Savings(userID, demo)
			r.observeCalculation("savings_model", err)
			return res, err
		},
	})
	r.add(Tool{
		Name:        "insurance_model",
		Description: "Recommend insurance coverages for a user.",
		Params:      demoParams,
		Scoped:      true,
		Call: func(_ context.Context, userID string, args map[string]any) (any, error) {
			demo, err := demographicsArg(args)
			if err != nil {
				return nil, err
			}
			res, err := deps.Advisor.Insurance(userID, demo)
			r.observeCalculation("insurance_model", err)
			return res, err
		},
	})
	r.add(Tool{
		Name:        "get_profile",
		Description: "Load the user's stored profile.",
		Scoped:      true,
		Call: func(_ context.Context, userID string, _ map[string]any) (any, error) {
			return deps.Advisor.Profile(userID)
		},
	})
	r.add(Tool{
		Name:        "market_snapshot",
		Description: "Get a lightweight market snapshot. Use only when the user explicitly asks for market context.",
		Call: func(context.Context, string, map[string]any) (any, error) {
			return market.Snapshot(), nil
		},
	})
	r.add(Tool{
		Name:        "stock_quote",
		Description: "Fetch the latest stock quote from Alpha Vantage for a symbol like 'AAPL' or 'GOOGL'.",
		Params: Params{
			Properties: map[string]Property{"symbol": {Type: "string", Description: "Ticker symbol"}},
			Required:   []string{"symbol"},
		},
		Call: func(ctx context.Context, _ string, args map[string]any) (any, error) {
			symbol, _ := args["symbol"].(string)
			if strings.TrimSpace(symbol) == "" {
				return nil, errors.New("symbol is required")
			}
			q, err := deps.Quotes.Quote(ctx, symbol)
			if err != nil {
				r.metrics.ObserveMarket("error")
				return nil, err
			}
			r.metrics.ObserveMarket("ok")
			return q, nil
		},
	})
	return r
}

func (r *Registry) add(t Tool) {
	r.tools = append(r.tools, t)
	r.byName[t.Name] = t
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// OpenAITools renders the registry for a chat-completions request. The user
// id is bound by the caller, so it is not part of the schema.
func (r *Registry) OpenAITools() []openai.Tool {
	out := make([]openai.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Params.Schema(false),
			},
		})
	}
	return out
}

// Call runs the named tool and returns its result or an error result.
// Failures never escape as Go errors; they become {"error": "..."}.
func (r *Registry) Call(ctx context.Context, userID, name string, args map[string]any) any {
	t, ok := r.byName[name]
	if !ok {
		r.metrics.ObserveTool(unknownTool, "unknown")
		return ErrorResult(fmt.Errorf("unknown tool %q", name))
	}

	res, err := t.Call(ctx, userID, args)
	if err != nil {
		r.metrics.ObserveTool(name, "error")
		slog.Debug("tool failed", "tool", name, "user_id", userID, "error", err)
		return ErrorResult(err)
	}
	r.metrics.ObserveTool(name, "ok")
	return res
}

// unknownTool is the metric label for calls to names outside the registry.
const unknownTool = "unknown"

func (r *Registry) metricLabel(name string) string {
	if _, ok := r.byName[name]; ok {
		return name
	}
	return unknownTool
}

// CallJSON decodes rawArgs, runs the tool and returns its JSON result.
func (r *Registry) CallJSON(ctx context.Context, userID, name, rawArgs string) string {
	args := map[string]any{}
	if s := strings.TrimSpace(rawArgs); s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			r.metrics.ObserveTool(r.metricLabel(name), "error")
			return encode(ErrorResult(fmt.Errorf("invalid arguments: %w", err)))
		}
	}
	return encode(r.Call(ctx, userID, name, args))
}

// ErrorResult renders err as the {"error": msg} object tools return.
func ErrorResult(err error) map[string]string {
	if msg, ok := advisor.UserMessage(err); ok {
		return map[string]string{"error": msg}
	}
	return map[string]string{"error": err.Error()}
}

// IsError reports whether v is an error result.
func IsError(v any) bool {
	m, ok := v.(map[string]string)
	if !ok {
		return false
	}
	_, has := m["error"]
	return has && len(m) == 1
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(ErrorResult(fmt.Errorf("encoding result: %w", err)))
	}
	return string(b)
}

func (r *Registry) observeCalculation(model string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if _, ok := advisor.UserMessage(err); ok {
			outcome = "invalid"
		}
	}
	r.metrics.ObserveCalculation(model, outcome)
}

func demographicsArg(args map[string]any) (map[string]any, error) {
	v, ok := args["demographics"]
	if !ok || v == nil {
		return nil, nil
	}
	demo, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("demographics must be an object")
	}
	return demo, nil
}
