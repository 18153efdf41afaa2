package tools

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/jarvis-core/internal/budget"
)

// BudgetStatusSource is the subset of *budget.Tracker the query tool needs.
type BudgetStatusSource interface {
	GetStatus() (budget.Status, error)
	RecommendedTier() (string, error)
}

// BudgetQueryTool reports the current spend, cap, and recommended tier.
type BudgetQueryTool struct {
	Budget BudgetStatusSource
}

func (t *BudgetQueryTool) Name() string { return "budget_query" }

func (t *BudgetQueryTool) Schema() Schema {
	return Schema{
		Name:           "budget_query",
		Description:    "Check remaining budget, monthly cap, spending breakdown, and recommended tier.",
		TimeoutSeconds: 10,
	}
}

func (t *BudgetQueryTool) Execute(ctx context.Context, params map[string]any) Result {
	status, err := t.Budget.GetStatus()
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	tier, err := t.Budget.RecommendedTier()
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	output := fmt.Sprintf(
		"Budget status:\n  Monthly cap: $%.2f\n  Spent this month: $%.4f\n  Remaining: $%.4f\n  Percent used: %.1f%%\n  Recommended tier: %s\n",
		status.MonthlyCap, status.Spent, status.Remaining, status.PercentUsed, tier,
	)
	return Result{Success: true, Output: output}
}

// ProviderAdjustSource is the subset of *budget.Tracker the adjust tool
// needs — the same write path the HTTP /budget/override route uses.
type ProviderAdjustSource interface {
	UpdateProviderBalance(provider string, knownBalance *float64, tier, currency, notes string, resetSpending bool) error
}

// ProviderAdjustTool lets an authenticated creator-initiated action correct
// a provider's known balance or tier assignment. Every call consults the
// CreatorAuthorized callback and is refused unless it returns true; a nil
// callback refuses every call.
type ProviderAdjustTool struct {
	Budget            ProviderAdjustSource
	CreatorAuthorized func() bool
}

func (t *ProviderAdjustTool) Name() string { return "provider_adjust" }

func (t *ProviderAdjustTool) Schema() Schema {
	return Schema{
		Name:           "provider_adjust",
		Description:    "Adjust a provider's known balance, tier, or currency. Requires creator authorization.",
		TimeoutSeconds: 10,
		Parameters: []ParamSpec{
			{Name: "provider", Type: "string", Description: "Provider name", Required: true},
			{Name: "known_balance", Type: "number", Description: "New known balance"},
			{Name: "tier", Type: "string", Description: "New tier label"},
			{Name: "currency", Type: "string", Description: "New currency code"},
			{Name: "notes", Type: "string", Description: "Free-text notes"},
			{Name: "reset_spending", Type: "boolean", Description: "Reset the tracked spend for this provider"},
		},
	}
}

func (t *ProviderAdjustTool) Execute(ctx context.Context, params map[string]any) Result {
	if t.CreatorAuthorized == nil || !t.CreatorAuthorized() {
		return Result{Success: false, Error: "provider_adjust requires creator authorization"}
	}
	provider := stringParam(params, "provider", "")
	if provider == "" {
		return Result{Success: false, Error: "provider is required"}
	}
	var knownBalance *float64
	if v, ok := params["known_balance"]; ok {
		f := float64Param(map[string]any{"v": v}, "v", 0)
		knownBalance = &f
	}
	tier := stringParam(params, "tier", "")
	currency := stringParam(params, "currency", "")
	notes := stringParam(params, "notes", "")
	resetSpending := boolParam(params, "reset_spending", false)

	if err := t.Budget.UpdateProviderBalance(provider, knownBalance, tier, currency, notes, resetSpending); err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Output: fmt.Sprintf("provider %s updated", provider)}
}
