package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/jarvis-core/internal/memory"
	"github.com/stellarlinkco/jarvis-core/internal/safety"
)

// VectorSource is the subset of *memory.Engine the planner needs for
// similarity retrieval, narrowed to an interface so tests can fake it.
type VectorSource interface {
	SearchVectors(query []float32, k int, threshold float64) ([]memory.ScoredVectorEntry, error)
}

// Embedder turns a synthesized query string into a vector. Narrowed from
// memory.Embedder to the one method the planner actually calls.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// section is one named, droppable block of the working context. Section 1
// (rules + directive + goals) is never included in this slice — it is
// always retained and is written directly into the system prompt.
type section struct {
	name string
	text string
}

// estimateTokens uses the provider-agnostic 4-chars-per-token approximation
// from the context assembly algorithm's token budget step.
func estimateTokens(text string) int {
	return len(text) / 4
}

func ensureList(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// buildSystemPrompt renders the immutable rules, directive, and tiered
// goals — the one context block that is never trimmed for budget.
func buildSystemPrompt(in Input, toolNames []string) string {
	var b strings.Builder
	b.WriteString(safety.AsPromptSection())
	b.WriteString("\n")
	fmt.Fprintf(&b, "## Directive\n%s\n\n", in.Snapshot.Directive)

	b.WriteString("## Goals\n")
	fmt.Fprintf(&b, "short_term: %s\n", strings.Join(ensureList(in.Snapshot.Goals.ShortTerm), "; "))
	fmt.Fprintf(&b, "mid_term: %s\n", strings.Join(ensureList(in.Snapshot.Goals.MidTerm), "; "))
	fmt.Fprintf(&b, "long_term: %s\n\n", strings.Join(ensureList(in.Snapshot.Goals.LongTerm), "; "))

	fmt.Fprintf(&b, "## Available tools\n%s\n", strings.Join(toolNames, ", "))
	return b.String()
}

// synthesizedQuery builds the retrieval query from current goals and the
// latest chat content, per the context assembly algorithm's step 2.
func synthesizedQuery(in Input) string {
	all := append([]string{}, in.Snapshot.Goals.ShortTerm...)
	all = append(all, in.Snapshot.Goals.MidTerm...)
	all = append(all, in.Snapshot.Goals.LongTerm...)
	all = append(all, in.Snapshot.ActiveTask)
	if len(in.CreatorMessages) > 0 {
		all = append(all, in.CreatorMessages[len(in.CreatorMessages)-1])
	}
	return strings.TrimSpace(strings.Join(all, " "))
}

// retrieveMemories embeds the synthesized query and searches the vector
// store, filtering by the configured relevance threshold.
func retrieveMemories(ctx context.Context, embedder Embedder, vectors VectorSource, in Input) ([]memory.ScoredVectorEntry, error) {
	query := synthesizedQuery(in)
	if query == "" || embedder == nil || vectors == nil {
		return nil, nil
	}
	vec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("planner: embed query: %w", err)
	}
	k := in.Snapshot.MemoryConfig.RetrievalCount
	if k <= 0 {
		k = 10
	}
	results, err := vectors.SearchVectors(vec, k, in.Snapshot.MemoryConfig.RelevanceThresh)
	if err != nil {
		return nil, fmt.Errorf("planner: search vectors: %w", err)
	}
	return results, nil
}

func memorySection(entries []memory.ScoredVectorEntry) section {
	if len(entries) == 0 {
		return section{name: "memory", text: ""}
	}
	var b strings.Builder
	b.WriteString("## Retrieved memories\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- (%.2f) %s\n", e.Similarity, e.Content)
	}
	return section{name: "memory", text: b.String()}
}

func scratchpadSection(entries []string) section {
	if len(entries) == 0 {
		return section{name: "scratchpad", text: ""}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Scratchpad (%d/50 slots)\n", len(entries))
	for i, e := range entries {
		fmt.Fprintf(&b, "[%d] %s\n", i, e)
	}
	b.WriteString("Manage with `short_term_memories_update`: {\"add\": [...]}, {\"remove\": [indices]}, or {\"replace\": [...]}.\n")
	return section{name: "scratchpad", text: b.String()}
}

func chatSection(messages []string) section {
	if len(messages) == 0 {
		return section{name: "chat", text: ""}
	}
	var b strings.Builder
	b.WriteString("## Creator chat\nYour creator is talking to you. You MUST include a `chat_reply` field.\n")
	for i, m := range messages {
		fmt.Fprintf(&b, "Message %d: %s\n", i+1, m)
	}
	return section{name: "chat", text: b.String()}
}

func toolSummarySection(summaries []string) section {
	if len(summaries) == 0 {
		return section{name: "tool_results", text: ""}
	}
	var b strings.Builder
	b.WriteString("## Recent tool results\n")
	for _, s := range summaries {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return section{name: "tool_results", text: b.String()}
}

// trimToBudget drops whole sections in the order chat -> tool_results ->
// scratchpad -> memory until the combined text fits maxTokens; a section
// is emptied in one step, and entries within a section are not trimmed
// one at a time. The immutable
// preamble built by buildSystemPrompt is never part of this slice and is
// therefore never at risk of being dropped.
func trimToBudget(sections []section, estimateTokens func(string) int, maxTokens int) []section {
	if maxTokens <= 0 {
		return sections
	}
	dropOrder := []string{"chat", "tool_results", "scratchpad", "memory"}
	total := func(secs []section) int {
		sum := 0
		for _, s := range secs {
			sum += estimateTokens(s.text)
		}
		return sum
	}
	for _, target := range dropOrder {
		if total(sections) <= maxTokens {
			break
		}
		for i := range sections {
			if sections[i].name == target {
				sections[i].text = ""
			}
		}
	}
	return sections
}

func buildIterationMessage(in Input, iteration int64, sections []section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<iteration number=\"%d\">\n", iteration)
	fmt.Fprintf(&b, "<budget remaining=\"$%.2f\" percent_used=\"%.0f%%\" />\n", in.BudgetRemaining, in.BudgetPercentUsed)

	for _, s := range sections {
		if s.text != "" {
			b.WriteString(s.text)
		}
	}

	if in.StuckLoopWarning != "" {
		fmt.Fprintf(&b, "<warning type=\"stuck_loop\">%s</warning>\n", in.StuckLoopWarning)
	}

	if iteration > 0 && iteration%5 == 0 {
		b.WriteString("<goal_review required=\"true\">This is a goal review iteration. You MUST include `goals_update` in your response. Review your short/mid/long-term goals.</goal_review>\n")
	}

	b.WriteString("<instructions>Plan your next actions. Assign `tier` per action: level1/coding_level1 (complex), level2/coding_level2 (moderate), level3 (simple). Free models cost $0.</instructions>\n")
	b.WriteString("</iteration>")
	return b.String()
}
