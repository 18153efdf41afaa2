// Package core implements the director: the single long-running goroutine
// that ties state, budget, memory, the planner, and the tool registry
// together into a plan-execute-remember iteration, sleeping an
// adaptively-computed interval between iterations and waking early when a
// chat message or an external signal demands attention.
package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/jarvis-core/internal/blob"
	"github.com/stellarlinkco/jarvis-core/internal/budget"
	"github.com/stellarlinkco/jarvis-core/internal/bus"
	"github.com/stellarlinkco/jarvis-core/internal/config"
	"github.com/stellarlinkco/jarvis-core/internal/memory"
	"github.com/stellarlinkco/jarvis-core/internal/planner"
	"github.com/stellarlinkco/jarvis-core/internal/state"
	"github.com/stellarlinkco/jarvis-core/internal/tools"
)

// worthStoring is the allowlist of tools whose successful output is
// substantive enough to earn a slot in the vector store. Trivial reads
// (file_list, budget_query, memory_search) never make it here — only
// actions that produced or changed something.
var worthStoring = map[string]bool{
	"code_exec":       true,
	"self_update":     true,
	"memory_write":    true,
	"file_write":      true,
	"provider_adjust": true,
}

// ChatRequest is one creator message awaiting a reply from the next
// iteration. Done is nil for messages that arrived over a fire-and-forget
// channel (Telegram); such replies are delivered over the bus's Outbound
// queue instead of through the channel.
type ChatRequest struct {
	Message string
	Source  string
	Channel string // bus channel name to reply on; empty for Done-based delivery
	ChatID  string
	Done    chan ChatReply
}

// ChatReply is what a processed ChatRequest resolves to.
type ChatReply struct {
	Text     string
	Model    string
	Provider string
	Tokens   int
}

// StatusEvent is one broadcast-worthy snapshot of the loop's state, meant
// to be forwarded verbatim to WebSocket subscribers.
type StatusEvent struct {
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	Timestamp       time.Time      `json:"timestamp"`
	Iteration       int64          `json:"iteration"`
	StatusMessage   string         `json:"status_message,omitempty"`
	Model           string         `json:"model,omitempty"`
	Provider        string         `json:"provider,omitempty"`
	NextWakeSeconds float64        `json:"next_wake_seconds,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Deps bundles every collaborator the loop reads or writes each iteration.
// It is assembled once at process startup and handed to New — nothing in
// this package constructs its own dependencies.
type Deps struct {
	Store      *state.Store
	Budget     *budget.Tracker
	Memory     *memory.Engine
	Extraction *memory.ExtractionService
	Planner    *planner.Planner
	Tools      *tools.Registry
	Bus        *bus.MessageBus
	BlobLog    *blob.Log
	Updater    Updater
	Embedder   planner.Embedder
	Log        zerolog.Logger
}

// Updater is the subset of *selfupdate.Updater a successful redeploy needs
// the loop to act on: it never inspects the self-update tool's other eight
// actions directly, only the redeploy path and whether it succeeded.
type Updater interface {
	Redeploy(message string) tools.Result
}

// Loop is the director. One Loop runs for the lifetime of the process;
// Run blocks until ctx is cancelled or Stop is called.
type Loop struct {
	deps Deps
	cfg  config.CoreLoopConfig

	wakeCh chan struct{}

	mu           sync.Mutex
	pending      []*ChatRequest
	currentModel string
	currentProv  string
	iteration    int64
	lastResults  []string
	restartFn    func()

	broadcast func(StatusEvent)
}

// New constructs a Loop. broadcast may be nil, in which case state updates
// are simply not published anywhere (used by tests and by any deployment
// that hasn't wired an HTTP/WebSocket layer yet). restartFn is called after
// a self-update redeploy that reports it changed running code; a nil
// restartFn means the loop logs and continues without restarting, which is
// appropriate for tests but not for a real deployment.
func New(deps Deps, cfg config.CoreLoopConfig, broadcast func(StatusEvent), restartFn func()) *Loop {
	if cfg.MinSleepSeconds <= 0 {
		cfg.MinSleepSeconds = config.DefaultMinSleepSeconds
	}
	if cfg.MaxSleepSeconds <= 0 {
		cfg.MaxSleepSeconds = config.DefaultMaxSleepSeconds
	}
	return &Loop{
		deps:      deps,
		cfg:       cfg,
		wakeCh:    make(chan struct{}, 1),
		broadcast: broadcast,
		restartFn: restartFn,
	}
}

// Wake interrupts the current sleep and starts the next iteration
// immediately. Safe to call from any goroutine at any time; a wake
// requested while the loop is already awake is coalesced into the next
// sleep rather than queued.
func (l *Loop) Wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// EnqueueChat registers a creator message for the next iteration and wakes
// the loop early. It blocks until a reply is produced or ctx is cancelled,
// making it suitable for a synchronous HTTP handler.
func (l *Loop) EnqueueChat(ctx context.Context, message, source string) (ChatReply, error) {
	req := &ChatRequest{
		Message: message,
		Source:  source,
		Done:    make(chan ChatReply, 1),
	}
	l.mu.Lock()
	l.pending = append(l.pending, req)
	l.mu.Unlock()
	l.Wake()

	select {
	case reply := <-req.Done:
		return reply, nil
	case <-ctx.Done():
		return ChatReply{}, ctx.Err()
	}
}

// drainPending atomically takes ownership of every chat request queued
// since the last iteration and empties the queue.
func (l *Loop) drainPending() []*ChatRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

// drainBusInbound collects everything currently waiting on the bus without
// blocking, converting each into a fire-and-forget ChatRequest that will
// be answered over Outbound rather than a Done channel.
func (l *Loop) drainBusInbound() []*ChatRequest {
	if l.deps.Bus == nil {
		return nil
	}
	var out []*ChatRequest
	for {
		select {
		case msg := <-l.deps.Bus.Inbound:
			out = append(out, &ChatRequest{
				Message: msg.Content,
				Source:  msg.Channel,
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
			})
		default:
			return out
		}
	}
}

// Run executes iterations until ctx is cancelled. Each iteration's error is
// logged and blob-recorded but never propagated — a bad iteration sleeps
// and tries again rather than bringing the process down.
func (l *Loop) Run(ctx context.Context) {
	l.deps.Log.Info().Msg("core loop starting")
	sleepSeconds := float64(config.DefaultMinSleepSeconds)

	for {
		select {
		case <-ctx.Done():
			l.deps.Log.Info().Msg("core loop stopping")
			return
		default:
		}

		next, err := l.safeIterate(ctx)
		if err != nil {
			l.deps.Log.Error().Err(err).Msg("iteration failed")
			if l.deps.BlobLog != nil {
				_ = l.deps.BlobLog.Store(blob.EventError, err.Error(), nil)
			}
			l.broadcastState("error", 0, map[string]any{"error": err.Error()})
			sleepSeconds = float64(l.cfg.MinSleepSeconds)
		} else {
			sleepSeconds = next
		}

		l.broadcastState("idle", sleepSeconds, nil)
		l.interruptibleSleep(ctx, sleepSeconds)
	}
}

// interruptibleSleep blocks for the requested duration unless ctx is
// cancelled or Wake is called first.
func (l *Loop) interruptibleSleep(ctx context.Context, seconds float64) {
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-l.wakeCh:
	}
}

// safeIterate runs one iteration behind a panic guard, so a bug in any step
// (tool execution, planner, memory) degrades to a logged, blob-recorded
// error and a short backoff sleep instead of taking the whole process down.
func (l *Loop) safeIterate(ctx context.Context) (sleep float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			l.deps.Log.Error().Interface("panic", r).Bytes("stack", stack).Msg("iteration panicked")
			if l.deps.BlobLog != nil {
				_ = l.deps.BlobLog.Store(blob.EventError, fmt.Sprintf("panic: %v", r), map[string]any{"stack": string(stack)})
			}
			sleep = float64(l.cfg.MinSleepSeconds)
			err = fmt.Errorf("core: iteration panicked: %v", r)
		}
	}()
	return l.iterate(ctx)
}

// iterate runs exactly one plan-execute-remember cycle and returns the
// sleep duration the caller should use before the next one.
func (l *Loop) iterate(ctx context.Context) (float64, error) {
	snap, err := l.deps.Store.Load()
	if err != nil {
		return 0, fmt.Errorf("core: load state: %w", err)
	}
	if snap.Paused {
		return float64(l.cfg.MaxSleepSeconds), nil
	}

	iteration, err := l.deps.Store.AdvanceIteration()
	if err != nil {
		return 0, fmt.Errorf("core: advance iteration: %w", err)
	}
	snap.Iteration = iteration
	l.mu.Lock()
	l.iteration = iteration
	l.mu.Unlock()

	status, err := l.deps.Budget.GetStatus()
	if err != nil {
		return 0, fmt.Errorf("core: budget status: %w", err)
	}

	pendingHTTP := l.drainPending()
	pendingBus := l.drainBusInbound()
	allPending := append(append([]*ChatRequest{}, pendingHTTP...), pendingBus...)

	creatorMessages := make([]string, 0, len(allPending))
	for _, req := range allPending {
		creatorMessages = append(creatorMessages, req.Message)
		if l.deps.BlobLog != nil {
			_ = l.deps.BlobLog.Store(blob.EventChatCreator, req.Message, map[string]any{"source": req.Source})
		}
		if _, err := l.deps.Store.AppendChatMessage("creator", req.Message, req.Source); err != nil {
			l.deps.Log.Warn().Err(err).Msg("append chat history failed")
		}
		if l.deps.Extraction != nil {
			l.deps.Extraction.BufferMessage(req.Source, "creator", "creator", req.Message)
		}
	}

	scratchpad, err := l.deps.Store.ScratchpadNotes(50)
	if err != nil {
		l.deps.Log.Warn().Err(err).Msg("scratchpad load failed")
	}
	scratchpadStrs := make([]string, len(scratchpad))
	for i, n := range scratchpad {
		scratchpadStrs[i] = n.Content
	}

	l.mu.Lock()
	lastResults := l.lastResults
	l.mu.Unlock()

	in := planner.Input{
		Snapshot:            snap,
		BudgetRemaining:     status.Remaining,
		BudgetPercentUsed:   status.PercentUsed,
		ToolNames:           l.deps.Tools.Names(),
		CreatorMessages:     creatorMessages,
		ScratchpadEntries:   scratchpadStrs,
		ToolResultSummaries: lastResults,
	}

	plan, err := l.deps.Planner.Plan(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("core: plan: %w", err)
	}
	l.setCurrent(plan.ResponseModel, plan.ResponseProvider)

	if l.deps.BlobLog != nil {
		_ = l.deps.BlobLog.Store(blob.EventPlanning, plan.Thinking, map[string]any{
			"iteration":     iteration,
			"actions":       len(plan.Actions),
			"status":        plan.StatusMessage,
			"model":         plan.ResponseModel,
			"provider":      plan.ResponseProvider,
			"parse_failed":  plan.ParseFailed,
		})
	}
	l.broadcastState("planning", 0, map[string]any{"status_message": plan.StatusMessage, "thinking": plan.Thinking})

	executed := l.executeActions(ctx, plan.Actions)
	resultSummaries := summarizeResults(executed)
	l.mu.Lock()
	l.lastResults = resultSummaries
	l.mu.Unlock()
	l.storeSubstantiveResults(ctx, executed)

	l.deliverReplies(allPending, plan.ChatReply, plan.ResponseModel, plan.ResponseProvider, plan.ResponseTokens)

	if plan.GoalsUpdate != nil {
		if err := l.deps.Store.SetGoals(*plan.GoalsUpdate); err != nil {
			l.deps.Log.Warn().Err(err).Msg("set goals failed")
		}
	}
	l.applyScratchpadUpdate(plan.ShortTermMemoriesUpdate)
	if plan.MemoryConfig != nil {
		merged := plan.MemoryConfig.ApplyTo(snap.MemoryConfig)
		if err := l.deps.Store.SetMemoryConfig(merged); err != nil {
			l.deps.Log.Warn().Err(err).Msg("set memory config failed")
		}
	}

	l.runPeriodicMaintenance(iteration)

	sleep := l.computeSleep(plan, status)
	return sleep, nil
}

// executeActions converts a plan's actions into the executor's own type and
// runs them in order.
func (l *Loop) executeActions(ctx context.Context, actions []planner.Action) []tools.ExecutedAction {
	if len(actions) == 0 {
		return nil
	}
	planned := make([]tools.PlannedAction, len(actions))
	for i, a := range actions {
		planned[i] = tools.PlannedAction{
			Tool:          a.Tool,
			Parameters:    a.Parameters,
			HaltOnFailure: a.HaltOnFailure,
		}
	}
	return l.deps.Tools.RunSequence(ctx, planned)
}

// summarizeResults builds the terse per-action lines fed back into the
// planner's working memory on the following iteration.
func summarizeResults(executed []tools.ExecutedAction) []string {
	out := make([]string, 0, len(executed))
	for _, e := range executed {
		if e.Result.Success {
			out = append(out, fmt.Sprintf("%s: ok — %s", e.Action.Tool, truncate(e.Result.Output, 300)))
		} else {
			out = append(out, fmt.Sprintf("%s: failed — %s", e.Action.Tool, e.Result.Error))
		}
	}
	return out
}

// storeSubstantiveResults embeds and writes successful, non-trivial tool
// output into the vector store so future iterations can recall it without
// re-running the action. A missing embedder or a failed embedding call
// skips storage for that result rather than failing the iteration.
func (l *Loop) storeSubstantiveResults(ctx context.Context, executed []tools.ExecutedAction) {
	if l.deps.Memory == nil || l.deps.Embedder == nil {
		return
	}
	for _, e := range executed {
		if !e.Result.Success || e.Result.Output == "" || !worthStoring[e.Action.Tool] {
			continue
		}
		content := fmt.Sprintf("[%s] %s", e.Action.Tool, truncate(e.Result.Output, 2000))
		vec, err := l.deps.Embedder.Embed(ctx, content)
		if err != nil {
			l.deps.Log.Warn().Err(err).Str("tool", e.Action.Tool).Msg("embed tool result failed")
			continue
		}
		if _, err := l.deps.Memory.WriteVector(memory.VectorEntry{
			Content:    content,
			Embedding:  vec,
			Importance: 0.5,
			Source:     e.Action.Tool,
		}); err != nil {
			l.deps.Log.Warn().Err(err).Str("tool", e.Action.Tool).Msg("store tool result to vector memory failed")
		}
	}
}

// deliverReplies routes a plan's chat_reply to every pending request that
// asked this iteration: Done-channel requests get an in-process reply,
// bus-originated requests get an Outbound message on their own channel.
func (l *Loop) deliverReplies(pending []*ChatRequest, reply, model, provider string, tokens int) {
	if reply == "" {
		return
	}
	if l.deps.BlobLog != nil {
		_ = l.deps.BlobLog.Store(blob.EventChatJarvis, reply, map[string]any{"model": model, "provider": provider})
	}
	if _, err := l.deps.Store.AppendChatMessage("jarvis", reply, "loop"); err != nil {
		l.deps.Log.Warn().Err(err).Msg("append chat history failed")
	}
	if l.deps.Extraction != nil {
		l.deps.Extraction.BufferMessage("loop", "jarvis", "jarvis", reply)
	}

	result := ChatReply{Text: reply, Model: model, Provider: provider, Tokens: tokens}
	for _, req := range pending {
		if req.Done != nil {
			req.Done <- result
			continue
		}
		if l.deps.Bus != nil && req.Channel != "" {
			l.deps.Bus.Outbound <- bus.OutboundMessage{
				Channel: req.Channel,
				ChatID:  req.ChatID,
				Content: reply,
			}
		}
	}
}

// applyScratchpadUpdate resolves a plan's short-term-memory patch: replace
// wins over add, which wins over remove, matching the planner's own
// documented precedence for ScratchpadUpdate.
func (l *Loop) applyScratchpadUpdate(u *planner.ScratchpadUpdate) {
	if u == nil {
		return
	}
	if len(u.Replace) > 0 {
		if err := l.deps.Store.ReplaceScratchpadNotes(u.Replace); err != nil {
			l.deps.Log.Warn().Err(err).Msg("replace scratchpad failed")
		}
		return
	}
	if len(u.Add) > 0 {
		for _, note := range u.Add {
			if err := l.deps.Store.AddScratchpadNote(note); err != nil {
				l.deps.Log.Warn().Err(err).Msg("add scratchpad note failed")
			}
		}
		return
	}
	if len(u.Remove) > 0 {
		if err := l.deps.Store.RemoveScratchpadNotes(u.Remove); err != nil {
			l.deps.Log.Warn().Err(err).Msg("remove scratchpad notes failed")
		}
	}
}

// runPeriodicMaintenance performs the housekeeping passes that don't need
// to run on every iteration: vector decay and expiry plus scratchpad aging
// every 10 iterations, and an unconditional extraction-buffer drain every
// 50 — replacing the vector deduplication pass this system has no
// equivalent method for with a guaranteed flush of anything still sitting
// in the chat buffer.
func (l *Loop) runPeriodicMaintenance(iteration int64) {
	if iteration%10 == 0 {
		if l.deps.Memory != nil {
			decay := 0.97
			if snap, err := l.deps.Store.Load(); err == nil && snap.MemoryConfig.DecayFactor > 0 {
				decay = snap.MemoryConfig.DecayFactor
			}
			if err := l.deps.Memory.DecayVectors(decay); err != nil {
				l.deps.Log.Warn().Err(err).Msg("decay vectors failed")
			}
			if _, err := l.deps.Memory.ExpireStaleVectors(0.1); err != nil {
				l.deps.Log.Warn().Err(err).Msg("expire stale vectors failed")
			}
		}
		if _, err := l.deps.Store.MaintainScratchpad(48 * time.Hour); err != nil {
			l.deps.Log.Warn().Err(err).Msg("maintain scratchpad failed")
		}
	}
	if iteration%50 == 0 && l.deps.Extraction != nil {
		l.deps.Extraction.Flush()
	}
}

// computeSleep mirrors the director's adaptive backoff: a plan's requested
// sleep is honored within [MinSleepSeconds, effectiveMax], where
// effectiveMax shrinks to 120s whenever a free-tier provider is available
// (there's no cost pressure to wait longer) and otherwise widens to
// MaxSleepSeconds. An exhausted budget with no free provider forces the
// longest possible sleep; an exhausted budget with one forces a short,
// cost-free check-in. A plan that proposed no actions at all gets a
// moderate 120s pause rather than the tight default.
func (l *Loop) computeSleep(plan planner.Plan, status budget.Status) float64 {
	hasFree := false
	for _, p := range status.Providers {
		if p.Tier == "free" {
			hasFree = true
			break
		}
	}

	if plan.NextSleepSeconds > 0 {
		effectiveMax := float64(l.cfg.MaxSleepSeconds)
		if hasFree {
			effectiveMax = 120
		}
		requested := float64(plan.NextSleepSeconds)
		sleep := requested
		if sleep < float64(l.cfg.MinSleepSeconds) {
			sleep = float64(l.cfg.MinSleepSeconds)
		}
		if sleep > effectiveMax {
			sleep = effectiveMax
		}
		return sleep
	}

	if status.Remaining <= 0 && !hasFree {
		return float64(l.cfg.MaxSleepSeconds)
	}
	if status.Remaining <= 1.0 && hasFree {
		return 60
	}
	if len(plan.Actions) == 0 {
		return 120
	}
	return float64(config.DefaultMinSleepSeconds)
}

func (l *Loop) setCurrent(model, provider string) {
	l.mu.Lock()
	l.currentModel = model
	l.currentProv = provider
	l.mu.Unlock()
}

// RequestRedeploy asks the configured Updater to redeploy from the backup
// working tree, commits the passed-in message as the deploy's changelog
// entry, and — on success — invokes the process restart callback rather
// than restarting itself. Self-restart is a process-lifecycle concern the
// loop delegates outward instead of owning directly.
func (l *Loop) RequestRedeploy(message string) tools.Result {
	if l.deps.Updater == nil {
		return tools.Result{Success: false, Error: "no updater configured"}
	}
	res := l.deps.Updater.Redeploy(message)
	if res.Success && l.restartFn != nil {
		l.deps.Log.Info().Msg("redeploy succeeded, restarting")
		l.restartFn()
	}
	return res
}

func (l *Loop) broadcastState(status string, nextWake float64, extra map[string]any) {
	if l.broadcast == nil {
		return
	}
	l.mu.Lock()
	model, provider, iteration := l.currentModel, l.currentProv, l.iteration
	l.mu.Unlock()
	l.broadcast(StatusEvent{
		Type:            "state_update",
		Status:          status,
		Timestamp:       time.Now(),
		Iteration:       iteration,
		Model:           model,
		Provider:        provider,
		NextWakeSeconds: nextWake,
		Extra:           extra,
	})
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
