package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/jarvis-core/internal/blob"
	"github.com/stellarlinkco/jarvis-core/internal/safety"
)

// Registry discovers, registers, and executes tools with logging and
// safety checks. There is no method to remove an entry; registering a
// name again replaces that one entry, and the full set is always
// enumerable via Schemas/Names.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	validator *safety.Validator
	blobLog   *blob.Log
	log       zerolog.Logger
}

func NewRegistry(validator *safety.Validator, blobLog *blob.Log, log zerolog.Logger) *Registry {
	return &Registry{
		tools:     map[string]Tool{},
		validator: validator,
		blobLog:   blobLog,
		log:       log,
	}
}

// Register adds a tool. Calling it twice with the same name overwrites the
// old entry for that name only — it does not create a way to hide one tool
// behind another invisibly, since Names/Schemas always reflect current state.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.log.Info().Str("tool", t.Name()).Msg("tool registered")
}

// Names lists every registered tool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas lists every registered tool's schema, for introspection and for
// building the planner's tool-list prompt section.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Schema())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one action: safety-validates it, dispatches to the named
// tool under its declared timeout, sanitizes the output, and logs the
// outcome to the blob trail. Unknown tools and safety violations both
// return success=false rather than an error — the executor never panics
// or propagates a Go error for a bad plan entry.
func (r *Registry) Execute(ctx context.Context, toolName string, params map[string]any) Result {
	r.mu.RLock()
	t, ok := r.tools[toolName]
	r.mu.RUnlock()
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", toolName)}
	}

	if r.validator != nil {
		safe, reason := r.validator.ValidateAction(safety.Action{Tool: toolName, Parameters: params})
		if !safe {
			r.log.Warn().Str("tool", toolName).Str("reason", reason).Msg("tool blocked by safety validator")
			return Result{Success: false, Error: fmt.Sprintf("blocked by safety: %s", reason)}
		}
	}

	schema := t.Schema()
	timeout := time.Duration(schema.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := r.runWithTimeout(callCtx, t, params, timeout)
	duration := time.Since(start)

	if r.validator != nil {
		result.Output = safety.SanitizeOutput(result.Output)
	}

	if r.blobLog != nil {
		_ = r.blobLog.Store(blob.EventToolResult,
			fmt.Sprintf("Tool: %s\nSuccess: %t\nOutput: %s", toolName, result.Success, truncate(result.Output, 1000)),
			map[string]any{
				"tool":        toolName,
				"success":     result.Success,
				"duration_ms": duration.Milliseconds(),
				"error":       result.Error,
			},
		)
	}

	r.log.Info().Str("tool", toolName).Bool("success", result.Success).Int64("duration_ms", duration.Milliseconds()).Msg("tool executed")
	return result
}

// runWithTimeout invokes the tool and turns a context deadline into the
// same {success:false, error:"timeout"} shape a well-behaved tool would
// return on its own, matching the executor's declared-timeout contract
// even for tools that don't watch ctx themselves.
func (r *Registry) runWithTimeout(ctx context.Context, t Tool, params map[string]any, timeout time.Duration) Result {
	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- t.Execute(ctx, params)
	}()

	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		r.log.Error().Str("tool", t.Name()).Dur("timeout", timeout).Msg("tool timed out")
		return Result{Success: false, Error: "timeout"}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
