// Package heuristics holds the placeholder financial models. Both are
// closed-form rules meant to be swapped for a trained model; callers only
// depend on the Model interface.
package heuristics

import (
	"math"

	"github.com/kalambet/finadvisor/internal/guardrail"
)

const placeholderNote = "Heuristic placeholder; swap with a trained model."

// Result is the JSON-shaped output of a model.
type Result map[string]any

// Model maps validated demographics to a recommendation.
type Model interface {
	Name() string
	Predict(d guardrail.Demographics) Result
}

// Savings estimates a savings rate and the resulting annual and monthly amounts.
type Savings struct{}

func (Savings) Name() string { return "savings_model" }

func (Savings) Predict(d guardrail.Demographics) Result {
	rate := 0.18
	if d.Dependents > 1 {
		rate = 0.14
	}
	if d.NetWorth < d.Income*1.5 {
		rate += 0.02
	}
	if d.Age < 35 {
		rate += 0.01
	}

	annual := d.Income * rate
	monthly := annual / 12

	return Result{
		"suggested_savings_rate": round(rate, 4),
		"annual_savings":         round(annual, 2),
		"monthly_savings":        round(monthly, 2),
		"notes":                  placeholderNote,
	}
}

// Insurance recommends coverage categories and a term life amount.
type Insurance struct{}

func (Insurance) Name() string { return "insurance_model" }

func (Insurance) Predict(d guardrail.Demographics) Result {
	lifeCover := d.Income * 5
	if d.Dependents > 0 {
		lifeCover = math.Max(d.Income*10, d.NetWorth*1.2)
	}

	termYears := 15
	if d.Age < 50 {
		termYears = 20
	}

	health := "Medium"
	if d.Age >= 40 {
		health = "High"
	}

	disability := "Low"
	if d.Income > 0 {
		disability = "Medium"
	}

	return Result{
		"coverage": map[string]any{
			"term_life": map[string]any{
				"recommended_cover": round(lifeCover, 2),
				"term_years":        termYears,
			},
			"health":     map[string]any{"priority": health},
			"disability": map[string]any{"priority": disability},
			"home_auto":  map[string]any{"note": "If applicable"},
		},
		"notes": placeholderNote,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
