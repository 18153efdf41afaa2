package llmrouter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/jarvis-core/internal/blob"
	"github.com/stellarlinkco/jarvis-core/internal/budget"
	"github.com/stellarlinkco/jarvis-core/internal/config"
	"github.com/stellarlinkco/jarvis-core/internal/errs"
)

var defaultTierOrder = []string{"level1", "level2", "level3", "local_only"}

var codingTierOrder = []string{"coding_level1", "coding_level2", "coding_level3", "level3", "local_only"}

// BudgetSource is the subset of *budget.Tracker the router depends on,
// narrowed to an interface so a fake can drive tier-downgrade tests.
type BudgetSource interface {
	GetStatus() (budget.Status, error)
	RecommendedTier() (string, error)
	CanSpend(estimatedCost float64) (bool, error)
	RecordUsage(provider, model string, inputTokens, outputTokens int, taskDescription string) (cost float64, overCap bool, err error)
}

// CompletionOptions configures one routed call.
type CompletionOptions struct {
	Tier            string
	Temperature     float64
	MaxTokens       int
	TaskDescription string
	// MinTier is a floor the budget-driven downgrade cannot cross, e.g.
	// "level1" for creator chat that must never silently fall to a cheap model.
	MinTier    string
	PreferFree bool
}

// Router holds every registered provider and the tier tables that define
// each fallback chain, matching DEFAULT_TIERS/CODING_TIERS.
type Router struct {
	providers map[string]Provider
	tiers     map[string][]Candidate
	budget    BudgetSource
	blobLog   *blob.Log
	health    *healthTracker
	log       zerolog.Logger

	maxRetries     int
	maxFallback    int
	retryBaseDelay time.Duration
}

func New(budgetSource BudgetSource, blobLog *blob.Log, log zerolog.Logger) *Router {
	return &Router{
		providers:      map[string]Provider{},
		tiers:          map[string][]Candidate{},
		budget:         budgetSource,
		blobLog:        blobLog,
		health:         newHealthTracker(),
		log:            log,
		maxRetries:     config.DefaultRouterMaxRetries,
		maxFallback:    config.DefaultRouterMaxFallback,
		retryBaseDelay: time.Duration(config.DefaultRouterRetryBaseDelayMs) * time.Millisecond,
	}
}

// SetLimits overrides the retry/backoff/fallback bounds New seeds with
// package defaults, from operator configuration.
func (r *Router) SetLimits(cfg config.RouterConfig) {
	if cfg.MaxRetries > 0 {
		r.maxRetries = cfg.MaxRetries
	}
	if cfg.MaxFallback > 0 {
		r.maxFallback = cfg.MaxFallback
	}
	if cfg.RetryBaseDelayMs > 0 {
		r.retryBaseDelay = time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond
	}
}

// Register adds a provider and logs whether it is available, mirroring
// _init_providers's availability announcement.
func (r *Router) Register(p Provider) {
	r.providers[p.Name()] = p
	if p.IsAvailable() {
		r.log.Info().Str("provider", p.Name()).Msg("provider available")
	} else {
		r.log.Warn().Str("provider", p.Name()).Msg("provider unavailable")
	}
}

// SetTier defines or overwrites one tier's fallback chain.
func (r *Router) SetTier(tier string, candidates []Candidate) {
	r.tiers[tier] = candidates
}

// AvailableProviders lists every registered provider name.
func (r *Router) AvailableProviders() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Complete routes a request through the tier chain, downgrading for budget,
// skipping unhealthy providers, and falling through to lower tiers until one
// candidate succeeds.
func (r *Router) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (Response, error) {
	tier := opts.Tier
	if tier == "" {
		tier = "level1"
	}
	isCoding := strings.HasPrefix(tier, "coding_")
	tierOrder := defaultTierOrder
	if isCoding {
		tierOrder = codingTierOrder
	}

	recommended, err := r.budget.RecommendedTier()
	if err != nil {
		return Response{}, fmt.Errorf("llmrouter: recommended tier: %w", err)
	}
	originalTier := tier

	if isCoding {
		codingRecommended := recommended
		if !strings.HasPrefix(codingRecommended, "coding_") {
			codingRecommended = "coding_" + codingRecommended
		}
		if idx(tierOrder, codingRecommended) > idx(tierOrder, tier) && idx(tierOrder, codingRecommended) >= 0 {
			tier = codingRecommended
		}
	} else if idx(tierOrder, recommended) > idx(tierOrder, tier) {
		if opts.MinTier != "" && idx(tierOrder, recommended) > idx(tierOrder, opts.MinTier) {
			r.log.Info().Str("requested", originalTier).Str("recommended", recommended).Str("clamped_to", opts.MinTier).Msg("tier downgrade clamped to floor")
			tier = opts.MinTier
		} else {
			r.log.Info().Str("requested", originalTier).Str("actual", recommended).Msg("tier downgraded for budget")
			tier = recommended
		}
	}

	status, err := r.budget.GetStatus()
	if err != nil {
		return Response{}, fmt.Errorf("llmrouter: budget status: %w", err)
	}
	budgetTight := status.Remaining < 10.0
	preferFree := opts.PreferFree || budgetTight

	startIdx := idx(tierOrder, tier)
	if startIdx < 0 {
		startIdx = 0
	}

	for _, currentTier := range tierOrder[startIdx:] {
		candidates := append([]Candidate(nil), r.tiers[currentTier]...)
		if preferFree {
			sort.SliceStable(candidates, func(i, j int) bool {
				return candidates[i].Cost == CostFree && candidates[j].Cost != CostFree
			})
		}

		attempts := 0
		for _, c := range candidates {
			if attempts >= r.maxFallback {
				r.log.Warn().Str("tier", currentTier).Int("max_fallback", r.maxFallback).Msg("same-tier fallback cap reached")
				break
			}

			provider, ok := r.providers[c.Provider]
			if !ok || !provider.IsAvailable() {
				continue
			}
			if !r.health.isHealthy(c.Provider) {
				r.log.Warn().Str("provider", c.Provider).Msg("provider unhealthy, skipping")
				continue
			}
			if c.Cost != CostFree {
				can, err := r.budget.CanSpend(0.01)
				if err != nil {
					return Response{}, fmt.Errorf("llmrouter: can spend: %w", err)
				}
				if !can {
					r.log.Warn().Str("provider", c.Provider).Str("model", c.Model).Msg("budget exhausted, skipping")
					continue
				}
			}

			attempts++
			resp, err := r.tryCandidate(ctx, provider, c, currentTier, messages, opts, preferFree)
			if err != nil {
				r.log.Warn().Str("provider", c.Provider).Str("model", c.Model).Err(err).Msg("provider failed")
				continue
			}
			return resp, nil
		}
	}

	return Response{}, fmt.Errorf("llmrouter: all providers failed, no response available")
}

func (r *Router) tryCandidate(ctx context.Context, provider Provider, c Candidate, tier string, messages []Message, opts CompletionOptions, preferFree bool) (Response, error) {
	r.log.Info().Str("provider", c.Provider).Str("model", c.Model).Str("tier", tier).Bool("free_preferred", preferFree).Msg("llm request")

	if r.blobLog != nil {
		lastContent := ""
		if len(messages) > 0 {
			lastContent = truncate(messages[len(messages)-1].Content, 500)
		}
		_ = r.blobLog.Store(blob.EventLLMRequest,
			fmt.Sprintf("Provider: %s, Model: %s, Tier: %s\nTask: %s\nLast message: %s", c.Provider, c.Model, tier, opts.TaskDescription, lastContent),
			map[string]any{"provider": c.Provider, "model": c.Model, "tier": tier, "task": opts.TaskDescription, "message_count": len(messages)},
		)
	}

	resp, err := r.completeWithRetry(ctx, provider, c, messages, opts)
	if err != nil {
		r.health.recordFailure(c.Provider, isRetryable(err))
		return Response{}, err
	}
	r.health.recordSuccess(c.Provider)
	resp.Provider = c.Provider
	resp.Model = c.Model

	cost, overCap, err := r.budget.RecordUsage(c.Provider, c.Model, resp.InputTokens, resp.OutputTokens, opts.TaskDescription)
	if err != nil {
		return Response{}, fmt.Errorf("record usage: %w", err)
	}
	if overCap {
		budgetErr := errs.New(errs.KindLLMBudget, fmt.Sprintf("monthly budget cap exceeded after charging %s/%s", c.Provider, c.Model))
		r.log.Warn().Str("provider", c.Provider).Str("model", c.Model).Err(budgetErr).Msg("budget cap exceeded, next paid call will be refused")
		if r.blobLog != nil {
			_ = r.blobLog.Store(blob.EventError, budgetErr.Error(),
				map[string]any{"kind": string(errs.KindLLMBudget), "provider": c.Provider, "model": c.Model})
		}
	}

	if r.blobLog != nil {
		_ = r.blobLog.Store(blob.EventLLMResponse,
			fmt.Sprintf("Provider: %s, Model: %s\nTokens: %d\nResponse: %s", c.Provider, c.Model, resp.InputTokens+resp.OutputTokens, truncate(resp.Content, 1000)),
			map[string]any{
				"provider": c.Provider, "model": c.Model,
				"input_tokens": resp.InputTokens, "output_tokens": resp.OutputTokens,
				"total_tokens": resp.InputTokens + resp.OutputTokens, "cost_estimate": cost,
			},
		)
	}

	r.log.Info().Str("provider", c.Provider).Str("model", c.Model).Int("tokens", resp.InputTokens+resp.OutputTokens).Msg("llm response")
	return resp, nil
}

// completeWithRetry retries the same candidate on a classified rate_limit or
// network failure, with exponential backoff, before giving up on it and
// letting the caller fall through to the next candidate in the tier.
func (r *Router) completeWithRetry(ctx context.Context, provider Provider, c Candidate, messages []Message, opts CompletionOptions) (Response, error) {
	delay := r.retryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		resp, err := provider.Complete(ctx, messages, c.Model, opts.Temperature, opts.MaxTokens)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == r.maxRetries {
			return Response{}, err
		}

		r.log.Warn().Str("provider", c.Provider).Str("model", c.Model).Int("attempt", attempt).Dur("backoff", delay).Err(err).Msg("retrying llm call after transient failure")
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return Response{}, lastErr
}

func idx(order []string, tier string) int {
	for i, t := range order {
		if t == tier {
			return i
		}
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// isRetryable reports whether err carries a classified kind (rate_limit,
// network) that completeWithRetry and the health tracker should treat as
// transient rather than a hard failure.
func isRetryable(err error) bool {
	kind, ok := errs.KindOf(err)
	return ok && errs.Retryable(kind)
}
