// Package trigger decides when a responder message asks the visitor for contact details.
package trigger

import (
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/locale"
)

// ShouldRequestContact reports whether text contains the trigger phrase of loc, byte for byte.
// Unknown locales never trigger.
func ShouldRequestContact(text string, loc locale.Locale) bool {
	return Match(locale.Builtin(), text, loc)
}

// Match is ShouldRequestContact against an explicit table.
func Match(table locale.Table, text string, loc locale.Locale) bool {
	c, ok := table[loc]
	if !ok || c.TriggerPhrase == "" {
		return false
	}
	return strings.Contains(text, c.TriggerPhrase)
}
