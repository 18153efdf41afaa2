// Package planner assembles the working-memory context for a single
// iteration, calls the LLM router for a plan, and defensively parses
// whatever comes back into a structured Plan.
package planner

import "github.com/stellarlinkco/jarvis-core/internal/state"

// Action is one step of a plan: a tool name, its parameters, an optional
// per-action tier override, and whether a failure should stop the rest of
// the plan from executing.
type Action struct {
	Tool          string         `json:"tool"`
	Parameters    map[string]any `json:"parameters"`
	Tier          string         `json:"tier,omitempty"`
	HaltOnFailure bool           `json:"halt_on_failure,omitempty"`
}

// ScratchpadUpdate mutates the iteration-scoped short-term memory slots.
// Exactly one of the three fields is expected to be set per response; if
// more than one is present Replace wins, then Add, then Remove.
type ScratchpadUpdate struct {
	Add     []string `json:"add,omitempty"`
	Remove  []int    `json:"remove,omitempty"`
	Replace []string `json:"replace,omitempty"`
}

// MemoryConfigPatch carries only the tunables a plan response chose to
// override; nil fields mean "leave as-is" and are resolved against the
// current snapshot by ApplyTo.
type MemoryConfigPatch struct {
	RetrievalCount   *int     `json:"retrieval_count"`
	RelevanceThresh  *float64 `json:"relevance_threshold"`
	DecayFactor      *float64 `json:"decay_factor"`
	MaxContextTokens *int     `json:"max_context_tokens"`
}

// ApplyTo merges the patch onto a base config, leaving unset fields
// untouched.
func (p MemoryConfigPatch) ApplyTo(base state.MemoryConfig) state.MemoryConfig {
	if p.RetrievalCount != nil {
		base.RetrievalCount = *p.RetrievalCount
	}
	if p.RelevanceThresh != nil {
		base.RelevanceThresh = *p.RelevanceThresh
	}
	if p.DecayFactor != nil {
		base.DecayFactor = *p.DecayFactor
	}
	if p.MaxContextTokens != nil {
		base.MaxContextTokens = *p.MaxContextTokens
	}
	return base
}

// Plan is the structured result of a single planning call.
type Plan struct {
	Thinking                string             `json:"thinking"`
	StatusMessage           string             `json:"status_message"`
	Actions                 []Action           `json:"actions"`
	ChatReply               string             `json:"chat_reply,omitempty"`
	GoalsUpdate             *state.Goals       `json:"goals_update,omitempty"`
	ShortTermMemoriesUpdate *ScratchpadUpdate  `json:"short_term_memories_update,omitempty"`
	MemoryConfig            *MemoryConfigPatch `json:"memory_config,omitempty"`
	NextSleepSeconds        int                `json:"sleep_seconds,omitempty"`

	// Set by the planner after the call returns; never populated by the LLM.
	ResponseModel    string `json:"-"`
	ResponseProvider string `json:"-"`
	ResponseTokens   int    `json:"-"`
	Repaired         bool   `json:"-"`
	ParseFailed      bool   `json:"-"`
}

// Input is everything the planner needs to know about the current
// iteration that isn't already inside the durable Engine/Store.
type Input struct {
	Snapshot            state.Snapshot
	BudgetRemaining     float64
	BudgetPercentUsed   float64
	ToolNames           []string
	CreatorMessages     []string
	ScratchpadEntries   []string
	ToolResultSummaries []string
	StuckLoopWarning    string
}
