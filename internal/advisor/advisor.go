// Package advisor runs the resolve, validate, persist and compute sequence
// shared by every user-facing calculation.
package advisor

import (
	"errors"
	"fmt"

	"github.com/kalambet/finadvisor/internal/guardrail"
	"github.com/kalambet/finadvisor/internal/heuristics"
	"github.com/kalambet/finadvisor/internal/profile"
)

// MissingDataMessage asks the user for the demographics the models need.
const MissingDataMessage = "Missing demographics. Please provide age, marital_status, dependents, income, net_worth, and location."

// MissingDataError is returned when no demographics were supplied and none
// are on file for the user.
type MissingDataError struct {
	UserID string
}

func (e *MissingDataError) Error() string {
	return MissingDataMessage
}

// Profiles is the subset of profile.Manager the advisor depends on.
type Profiles interface {
	Load(userID string) (profile.Profile, error)
	Upsert(userID string, incoming map[string]any) (profile.Profile, error)
}

// Advisor resolves a user's demographics and feeds them to a model.
type Advisor struct {
	profiles  Profiles
	savings   heuristics.Model
	insurance heuristics.Model
}

// New creates an Advisor using the built-in heuristic models.
func New(profiles Profiles) *Advisor {
	return &Advisor{
		profiles:  profiles,
		savings:   heuristics.Savings{},
		insurance: heuristics.Insurance{},
	}
}

// WithModels replaces the savings and insurance models. Nil keeps the current one.
func (a *Advisor) WithModels(savings, insurance heuristics.Model) *Advisor {
	if savings != nil {
		a.savings = savings
	}
	if insurance != nil {
		a.insurance = insurance
	}
	return a
}

// Compute resolves the effective demographics for userID, validates and
// persists them, runs model and returns its result with the saved profile
// under "profile".
//
// Empty demographics fall back to the stored profile. Data problems come back
// as *guardrail.ValidationError or *MissingDataError; anything else is a
// storage failure.
func (a *Advisor) Compute(userID string, demographics map[string]any, model heuristics.Model) (heuristics.Result, error) {
	if len(demographics) == 0 {
		stored, err := a.profiles.Load(userID)
		if err != nil {
			return nil, err
		}
		if stored.Empty() {
			return nil, &MissingDataError{UserID: userID}
		}
		demographics = stored
	}

	if err := guardrail.Check(demographics); err != nil {
		return nil, err
	}

	saved, err := a.profiles.Upsert(userID, guardrail.Minimize(demographics))
	if err != nil {
		return nil, fmt.Errorf("persisting profile: %w", err)
	}

	d, err := guardrail.Coerce(saved)
	if err != nil {
		return nil, err
	}

	res := model.Predict(d)
	if res == nil {
		res = heuristics.Result{}
	}
	res["profile"] = map[string]any(saved)
	return res, nil
}

// Savings runs the savings model.
func (a *Advisor) Savings(userID string, demographics map[string]any) (heuristics.Result, error) {
	return a.Compute(userID, demographics, a.savings)
}

// Insurance runs the insurance model.
func (a *Advisor) Insurance(userID string, demographics map[string]any) (heuristics.Result, error) {
	return a.Compute(userID, demographics, a.insurance)
}

// Profile returns the user's stored profile, empty when none exists.
func (a *Advisor) Profile(userID string) (profile.Profile, error) {
	return a.profiles.Load(userID)
}

// UserMessage reports whether err is a data problem the user can fix and,
// if so, the message to show them.
func UserMessage(err error) (string, bool) {
	var ve *guardrail.ValidationError
	if errors.As(err, &ve) {
		return ve.Message, true
	}
	var me *MissingDataError
	if errors.As(err, &me) {
		return me.Error(), true
	}
	return "", false
}
