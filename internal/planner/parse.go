package planner

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/jarvis-core/internal/state"
)

// parsePlan runs the defensive multi-stage cascade over a raw LLM response:
// strip code fences, attempt a direct decode, fall back to the outermost
// {...} span, fall back to a truncated-tail repair, then unwrap a
// doubly-encoded plan nested inside the "thinking" field.
func parsePlan(content string) (Plan, bool) {
	cleaned := stripCodeFences(content)

	if plan, ok := tryJSON(cleaned); ok {
		return unwrapNested(plan, cleaned), true
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}") + 1
	if start >= 0 && end > start {
		if plan, ok := tryJSON(cleaned[start:end]); ok {
			return unwrapNested(plan, cleaned), true
		}
	}

	if start >= 0 {
		fragment := cleaned[start:]
		for _, extra := range []string{"}", "]}", `"]}`} {
			if plan, ok := tryJSON(fragment + extra); ok {
				plan.Repaired = true
				return unwrapNested(plan, cleaned), true
			}
		}
	}

	return Plan{
		Thinking:      truncateRunes(content, 2000),
		Actions:       []Action{},
		StatusMessage: "Processing...",
		ParseFailed:   true,
	}, false
}

func stripCodeFences(content string) string {
	cleaned := strings.TrimSpace(content)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	if nl := strings.Index(cleaned, "\n"); nl > 0 {
		cleaned = cleaned[nl+1:]
	}
	trimmed := strings.TrimRight(cleaned, " \t\n\r")
	if strings.HasSuffix(trimmed, "```") {
		cleaned = strings.TrimRight(trimmed[:len(trimmed)-3], " \t\n\r")
	}
	return cleaned
}

// tryJSON extracts a Plan via gjson field lookups rather than a strict
// json.Unmarshal into the Plan struct — the LLM regularly emits extra or
// slightly reordered fields, and gjson tolerates addressing individual
// paths without requiring the whole document to bind cleanly to a struct.
func tryJSON(text string) (Plan, bool) {
	if !gjson.Valid(text) {
		return Plan{}, false
	}
	root := gjson.Parse(text)
	if !root.IsObject() {
		return Plan{}, false
	}
	plan := Plan{
		Thinking:         root.Get("thinking").String(),
		StatusMessage:    root.Get("status_message").String(),
		ChatReply:        root.Get("chat_reply").String(),
		NextSleepSeconds: int(root.Get("sleep_seconds").Int()),
	}
	for _, a := range root.Get("actions").Array() {
		params := map[string]any{}
		a.Get("parameters").ForEach(func(k, v gjson.Result) bool {
			params[k.String()] = v.Value()
			return true
		})
		plan.Actions = append(plan.Actions, Action{
			Tool:          a.Get("tool").String(),
			Parameters:    params,
			Tier:          a.Get("tier").String(),
			HaltOnFailure: a.Get("halt_on_failure").Bool(),
		})
	}
	if gu := root.Get("goals_update"); gu.Exists() {
		var g state.Goals
		if json.Unmarshal([]byte(gu.Raw), &g) == nil {
			plan.GoalsUpdate = &g
		}
	}
	if mc := root.Get("memory_config"); mc.Exists() {
		var cfg MemoryConfigPatch
		if json.Unmarshal([]byte(mc.Raw), &cfg) == nil {
			plan.MemoryConfig = &cfg
		}
	}
	if stm := root.Get("short_term_memories_update"); stm.Exists() {
		var u ScratchpadUpdate
		if json.Unmarshal([]byte(stm.Raw), &u) == nil {
			plan.ShortTermMemoriesUpdate = &u
		}
	}
	return plan, true
}

// unwrapNested handles the case where the model double-encodes its plan:
// the outer object parses fine but has no actions, while its "thinking"
// string itself contains a fenced or bare JSON object with "actions".
func unwrapNested(plan Plan, rawOuter string) Plan {
	if len(plan.Actions) > 0 || !strings.Contains(plan.Thinking, `"actions"`) {
		return plan
	}
	inner := stripCodeFences(plan.Thinking)
	innerPlan, ok := tryJSON(inner)
	if !ok {
		start := strings.Index(inner, "{")
		end := strings.LastIndex(inner, "}") + 1
		if start >= 0 && end > start {
			innerPlan, ok = tryJSON(inner[start:end])
		}
	}
	if ok && len(innerPlan.Actions) > 0 {
		return innerPlan
	}
	return plan
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
