// Package guardrail validates user demographics, strips fields that must not
// be stored, and enforces the disclaimer on outgoing replies.
package guardrail

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RequiredFields lists the demographics every profile must carry, in the
// order they are reported when missing.
var RequiredFields = []string{"age", "marital_status", "dependents", "income", "net_worth"}

// DisallowedFields are removed by Minimize before anything is persisted.
var DisallowedFields = []string{"full_name", "address", "ssn"}

const (
	minAge = 1
	maxAge = 119
)

// ValidationError reports demographics that are missing, malformed, or out of range.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Demographics is the typed view of a validated profile.
type Demographics struct {
	Age           int
	MaritalStatus string
	Dependents    int
	Income        float64
	NetWorth      float64
	Location      string
}

// Validate checks demo for required fields and value ranges. It never panics;
// malformed values are reported through the returned message.
func Validate(demo map[string]any) (bool, string) {
	if err := Check(demo); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// Check is Validate in error form. A failure is always a *ValidationError.
func Check(demo map[string]any) error {
	var missing []string
	for _, k := range RequiredFields {
		if isMissing(demo[k]) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{
			Fields:  missing,
			Message: fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", ")),
		}
	}

	age, err := toInt("age", demo["age"])
	if err != nil {
		return err
	}
	if age < minAge || age > maxAge {
		return &ValidationError{Fields: []string{"age"}, Message: "Age must be between 1 and 119."}
	}
	if _, err := toInt("dependents", demo["dependents"]); err != nil {
		return err
	}

	income, err := toFloat("income", demo["income"])
	if err != nil {
		return err
	}
	netWorth, err := toFloat("net_worth", demo["net_worth"])
	if err != nil {
		return err
	}
	if income < 0 || netWorth < 0 {
		var fields []string
		if income < 0 {
			fields = append(fields, "income")
		}
		if netWorth < 0 {
			fields = append(fields, "net_worth")
		}
		return &ValidationError{Fields: fields, Message: "Income and net worth must be non-negative."}
	}
	return nil
}

// Coerce converts the loosely typed demographics into Demographics. It does
// not apply range checks; run Check first.
func Coerce(demo map[string]any) (Demographics, error) {
	var d Demographics
	var err error

	if d.Age, err = toInt("age", demo["age"]); err != nil {
		return Demographics{}, err
	}
	if d.Dependents, err = toInt("dependents", demo["dependents"]); err != nil {
		return Demographics{}, err
	}
	if d.Income, err = toFloat("income", demo["income"]); err != nil {
		return Demographics{}, err
	}
	if d.NetWorth, err = toFloat("net_worth", demo["net_worth"]); err != nil {
		return Demographics{}, err
	}
	d.MaritalStatus = toString(demo["marital_status"])
	d.Location = toString(demo["location"])
	return d, nil
}

// Minimize returns a copy of demo without the disallowed fields. Every other
// field passes through untouched.
func Minimize(demo map[string]any) map[string]any {
	out := make(map[string]any, len(demo))
	for k, v := range demo {
		out[k] = v
	}
	for _, k := range DisallowedFields {
		delete(out, k)
	}
	return out
}

func isMissing(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	}
	return false
}

func invalid(field, want string) error {
	return &ValidationError{
		Fields:  []string{field},
		Message: fmt.Sprintf("Invalid value for %s: expected %s.", field, want),
	}
}

// toInt follows int() semantics of loosely typed input: floats truncate,
// strings must hold an integer literal.
func toInt(field string, v any) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) || math.Abs(val) > math.MaxInt32 {
			return 0, invalid(field, "an integer")
		}
		return int(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return 0, invalid(field, "an integer")
		}
		return toInt(field, f)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, invalid(field, "an integer")
		}
		return i, nil
	}
	return 0, invalid(field, "an integer")
}

func toFloat(field string, v any) (float64, error) {
	switch val := v.(type) {
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0, invalid(field, "a number")
		}
		return val, nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, invalid(field, "a number")
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, invalid(field, "a number")
		}
		return f, nil
	}
	return 0, invalid(field, "a number")
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	}
	return fmt.Sprintf("%v", v)
}
