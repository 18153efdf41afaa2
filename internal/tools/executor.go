package tools

import "context"

// PlannedAction is the executor's view of one plan step — decoupled from
// the planner package's Action type so tools has no import-time dependency
// on planner; the core loop converts one to the other.
type PlannedAction struct {
	Tool          string
	Parameters    map[string]any
	HaltOnFailure bool
}

// ExecutedAction pairs a planned action with the result it produced.
type ExecutedAction struct {
	Action PlannedAction
	Result Result
}

// RunSequence executes a plan's actions in order, stopping early only when
// an action that failed also declared HaltOnFailure.
func (r *Registry) RunSequence(ctx context.Context, actions []PlannedAction) []ExecutedAction {
	out := make([]ExecutedAction, 0, len(actions))
	for _, a := range actions {
		res := r.Execute(ctx, a.Tool, a.Parameters)
		out = append(out, ExecutedAction{Action: a, Result: res})
		if !res.Success && a.HaltOnFailure {
			break
		}
	}
	return out
}
