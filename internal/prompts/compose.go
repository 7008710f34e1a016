// Package prompts builds the system instruction sent to the model.
package prompts

import (
	"os"
	"strings"
)

// fallbackPersona is used when no persona file is configured or the
// configured file cannot be read. Composition never fails on a missing
// persona; it degrades to this generic identity.
const fallbackPersona = `You are Vera, a friendly and knowledgeable sales assistant for a vehicle parts store. You help customers find parts, check availability, and request quotes.`

// directives is the fixed behavioral block appended to every composed
// prompt, after the persona and any correction rules.
const directives = `## Workflow
- When the customer asks about availability or price of a specific part, use get_inventory_status before answering.
- When the customer asks for a formal price, use generate_quote and tell them the quote was prepared.
- When the customer sends a photo of a part, use analyze_image to identify it first.
- When the customer asks for something the system cannot do yet, use request_feature to file it and say the team was notified.
- When the customer corrects you about how they want to be treated or addressed, use save_correction so the correction sticks.
- Record notable interactions with log_activity.

## Reporting
- After a tool runs, summarize its result for the customer in one or two sentences. Never paste raw tool output.
- If a tool fails, apologize briefly and say what you could not do. Do not invent data.

## Tone
- Adapt your tone to the customer: formal with formal customers, relaxed with casual ones.
- Always answer in the language the customer writes in.`

// rulesHeader labels the per-customer correction block.
const rulesHeader = "## Customer corrections (newest last, newest wins)"

// LoadPersona reads the persona from path. An empty path or a read
// error yields the fallback persona — persona lookup never fails.
func LoadPersona(path string) string {
	if path == "" {
		return fallbackPersona
	}
	data, err := os.ReadFile(path)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return fallbackPersona
	}
	return strings.TrimSpace(string(data))
}

// Compose merges the persona, the customer's accumulated correction
// rules (in creation order, one per line), and the fixed behavioral
// directives into a single instruction string. Deterministic: the same
// inputs always produce the same output.
func Compose(persona string, rules []string) string {
	if strings.TrimSpace(persona) == "" {
		persona = fallbackPersona
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n")

	if len(rules) > 0 {
		b.WriteString(rulesHeader)
		b.WriteString("\n")
		for _, r := range rules {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(directives)
	return b.String()
}
