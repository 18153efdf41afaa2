package planner

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/jarvis-core/internal/llmrouter"
)

// Router is the subset of *llmrouter.Router the planner depends on.
type Router interface {
	Complete(ctx context.Context, messages []llmrouter.Message, opts llmrouter.CompletionOptions) (llmrouter.Response, error)
}

// Planner assembles working-memory context for one iteration, calls the
// router at tier1, and defensively parses the result into a Plan. It always
// plans at the top tier — per-action tier assignments inside the plan let
// the executor use cheaper models for individual steps.
type Planner struct {
	router   Router
	embedder Embedder
	vectors  VectorSource
	log      zerolog.Logger

	loops *loopDetector

	mu                    sync.Mutex
	consecutiveParseFails int
}

func New(router Router, embedder Embedder, vectors VectorSource, log zerolog.Logger) *Planner {
	return &Planner{
		router:   router,
		embedder: embedder,
		vectors:  vectors,
		log:      log,
		loops:    newLoopDetector(),
	}
}

// Plan generates the next iteration's plan.
func (p *Planner) Plan(ctx context.Context, in Input) (Plan, error) {
	in.StuckLoopWarning = p.loops.check()

	relevant, err := retrieveMemories(ctx, p.embedder, p.vectors, in)
	if err != nil {
		p.log.Warn().Err(err).Msg("memory retrieval failed, continuing without it")
	}

	sections := []section{
		memorySection(relevant),
		scratchpadSection(in.ScratchpadEntries),
		chatSection(in.CreatorMessages),
		toolSummarySection(in.ToolResultSummaries),
	}
	maxTokens := in.Snapshot.MemoryConfig.MaxContextTokens
	sections = trimToBudget(sections, estimateTokens, maxTokens)

	systemPrompt := buildSystemPrompt(in, in.ToolNames)
	iterationMsg := buildIterationMessage(in, in.Snapshot.Iteration, sections)

	messages := []llmrouter.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: iterationMsg},
	}

	isChat := len(in.CreatorMessages) > 0
	taskDesc := "planning"
	if isChat {
		taskDesc = "chat_iteration"
	}

	tier := "level1"
	if p.forcedDowngrade() {
		tier = "level3"
		p.log.Warn().Msg("mandatory tier downgrade after repeated parse failures")
	}

	resp, err := p.router.Complete(ctx, messages, llmrouter.CompletionOptions{
		Tier:            tier,
		Temperature:     0.7,
		MaxTokens:       4096,
		TaskDescription: taskDesc,
		MinTier:         "level1",
	})
	if err != nil {
		return Plan{}, fmt.Errorf("planner: complete: %w", err)
	}

	plan, ok := parsePlan(resp.Content)
	plan.ResponseModel = resp.Model
	plan.ResponseProvider = resp.Provider
	plan.ResponseTokens = resp.InputTokens + resp.OutputTokens
	p.trackParseOutcome(ok)

	p.loops.record(plan.Actions)

	p.log.Info().
		Str("model", resp.Model).
		Str("provider", resp.Provider).
		Int("actions", len(plan.Actions)).
		Bool("has_chat_reply", plan.ChatReply != "").
		Bool("parse_failed", plan.ParseFailed).
		Msg("plan generated")

	return plan, nil
}

// trackParseOutcome maintains the consecutive-failure streak that triggers
// a one-iteration mandatory tier downgrade once it reaches 3.
func (p *Planner) trackParseOutcome(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.consecutiveParseFails = 0
		return
	}
	p.consecutiveParseFails++
}

// forcedDowngrade reports whether the next call should downgrade to level3
// after 3+ consecutive parse failures, then resets the streak — the
// downgrade lasts exactly one iteration.
func (p *Planner) forcedDowngrade() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consecutiveParseFails >= 3 {
		p.consecutiveParseFails = 0
		return true
	}
	return false
}
