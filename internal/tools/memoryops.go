package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/jarvis-core/internal/memory"
)

// MemoryWriteTool stores a piece of content into long-term vector memory —
// the supplemental built-in the planner uses to remember something durably
// mid-iteration, distinct from the automatic tier1/tier2 extraction path.
type MemoryWriteTool struct {
	Engine *memory.Engine
}

func (t *MemoryWriteTool) Name() string { return "memory_write" }

func (t *MemoryWriteTool) Schema() Schema {
	return Schema{
		Name:           "memory_write",
		Description:    "Store a memory in long-term vector memory. Use for important information worth remembering.",
		TimeoutSeconds: 10,
		Parameters: []ParamSpec{
			{Name: "content", Type: "string", Description: "The content to remember", Required: true},
			{Name: "importance", Type: "number", Description: "Importance score 0-1 (default 0.5)"},
			{Name: "permanent", Type: "boolean", Description: "Mark as permanent (never auto-expired)"},
			{Name: "source", Type: "string", Description: "Source label (default: self)"},
		},
	}
}

func (t *MemoryWriteTool) Execute(ctx context.Context, params map[string]any) Result {
	content := stringParam(params, "content", "")
	if content == "" {
		return Result{Success: false, Error: "content is required"}
	}
	importance := float64Param(params, "importance", 0.5)
	permanent := boolParam(params, "permanent", false)
	source := stringParam(params, "source", "self")

	id, err := t.Engine.WriteVector(memory.VectorEntry{
		Content:    content,
		Importance: importance,
		Permanent:  permanent,
		Source:     source,
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Output: fmt.Sprintf("memory stored (id=%d, importance=%.2f)", id, importance)}
}

// MemorySearchTool searches tier2 facts by full-text keyword match. Vector
// similarity search needs an embedding of the query, which the planner
// already does for context assembly; this tool gives the plan itself a way
// to search on demand using the same keyword index tier2 extraction fills.
type MemorySearchTool struct {
	Engine *memory.Engine
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Schema() Schema {
	return Schema{
		Name:           "memory_search",
		Description:    "Search long-term memory for relevant information.",
		TimeoutSeconds: 10,
		Parameters: []ParamSpec{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
			{Name: "n_results", Type: "integer", Description: "Number of results (default 5)"},
		},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, params map[string]any) Result {
	query := stringParam(params, "query", "")
	if query == "" {
		return Result{Success: false, Error: "query is required"}
	}
	n := intParam(params, "n_results", 5)

	results, err := t.Engine.SearchFTS(query, n)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	if len(results) == 0 {
		return Result{Success: true, Output: "no relevant memories found"}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "found %d relevant memories:\n", len(results))
	for _, r := range results {
		content := r.Content
		if len(content) > 200 {
			content = content[:200]
		}
		fmt.Fprintf(&b, "- [%.2f] %s\n", r.Importance, content)
	}
	return Result{Success: true, Output: b.String()}
}
