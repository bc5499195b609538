package engage

import (
	"zenflow/internal/model"
	"zenflow/internal/util"
)

// Matches reports whether the event fires the rule: the rule is active and the
// event text contains the wake word, ignoring case.
func Matches(rule model.AutomationRule, ev model.MentionEvent) bool {
	return rule.Active && util.ContainsUpper(ev.Text, rule.WakeWord)
}
