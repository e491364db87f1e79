package guardrail

import "strings"

// Disclaimer is appended to every reply shown to a user.
const Disclaimer = "Disclaimer: This is general information, not financial advice."

// EnsureDisclaimer appends disclaimer to text unless text already contains it
// verbatim. An empty disclaimer falls back to Disclaimer.
func EnsureDisclaimer(text, disclaimer string) string {
	if disclaimer == "" {
		disclaimer = Disclaimer
	}
	if strings.Contains(text, disclaimer) {
		return text
	}
	return text + "\n\n" + disclaimer
}
