// Package safety enforces the frozen set of behavioral rules and blocks
// actions that would violate them before the executor ever runs them.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// ImmutableRules cannot be changed at runtime — they are compiled into the
// binary and are themselves rule 4's subject.
var ImmutableRules = []string{
	"No action that could harm the creator.",
	"No exfiltration of credentials — outputs are scanned for secret patterns and redacted.",
	"All actions are logged; the validator refuses to proceed if the log is unavailable.",
	"No modification of the safety-rules data or logger implementation.",
	"Logging cannot be disabled.",
	"No creation of hidden subordinate agents — tool registration is append-only and visible via introspection.",
	"No budget override without an explicit creator-initiated channel.",
	"The agent must operate within legal boundaries at all times.",
	"The agent must never attempt to self-replicate across machines without creator approval.",
}

// AsPromptSection renders the rule set as the fixed block injected into
// every planning prompt, per spec §4.4's context assembly order.
func AsPromptSection() string {
	var b strings.Builder
	b.WriteString("## IMMUTABLE RULES (Cannot be modified — enforced at code level)\n")
	for i, rule := range ImmutableRules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, rule)
	}
	return b.String()
}

type dangerPattern struct {
	pattern *regexp.Regexp
	message string
}

var dangerPatterns = []dangerPattern{
	{regexp.MustCompile(`(?i)disable.*log`), "attempt to disable logging"},
	{regexp.MustCompile(`(?i)remove.*safety`), "attempt to remove safety layer"},
	{regexp.MustCompile(`(?i)delete.*immutable`), "attempt to modify immutable rules"},
	{regexp.MustCompile(`(?i)hide.*from.*creator`), "attempt to hide actions from creator"},
	{regexp.MustCompile(`(?i)secret.*print`), "attempt to expose secrets"},
	{regexp.MustCompile(`(?i)api.key.*output`), "attempt to expose API keys"},
}

// ContainsViolation scans free text for phrasing suggesting an attempt to
// break one of the immutable rules. It is a pattern check, not a proof —
// the safety validator's job is to catch the obvious cases, not to reason
// about intent.
func ContainsViolation(text string) []string {
	var violations []string
	for _, dp := range dangerPatterns {
		if dp.pattern.MatchString(text) {
			violations = append(violations, dp.message)
		}
	}
	return violations
}
