// Package budget tracks LLM spend against a monthly cap and per-provider
// balances, and recommends a router tier when funds run low.
package budget

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// monetaryCurrencies aggregate into the overall monthly spend; anything else
// (credits, requests) is tracked per-provider only, incremented by 1 per call
// regardless of token count.
var monetaryCurrencies = map[string]bool{"USD": true, "EUR": true, "GBP": true}

// ModelPricing is USD cost per 1000 tokens.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

type ProviderSeed struct {
	Name         string
	Tier         string
	Currency     string
	KnownBalance *float64
	Notes        string
	Pricing      map[string]ModelPricing
}

type ProviderStatus struct {
	Provider            string
	KnownBalance        *float64
	SpentTracked        float64
	EstimatedRemaining  *float64
	Tier                string
	Currency            string
	Notes               string
	BalanceUpdatedAt    string
}

type Status struct {
	MonthlyCap   float64
	Spent        float64
	Remaining    float64
	PercentUsed  float64
	MonthKey     string
	Providers    []ProviderStatus
}

// Tracker persists budget config and provider balances in sqlite, grounded
// on the same bootstrap pragmas the memory engine uses.
type Tracker struct {
	db      *sql.DB
	mu      sync.Mutex
	monthlyCapUSD float64
	pricing map[string]map[string]ModelPricing
}

func Open(dbPath string, monthlyCapUSD float64, seeds []ProviderSeed) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create budget db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open budget db: %w", err)
	}

	t := &Tracker{db: db, monthlyCapUSD: monthlyCapUSD, pricing: map[string]map[string]ModelPricing{}}
	if err := t.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := t.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := t.ensureConfig(seeds); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, s := range seeds {
		if len(s.Pricing) > 0 {
			t.pricing[s.Name] = s.Pricing
		}
	}
	return t, nil
}

func (t *Tracker) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}

func (t *Tracker) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := t.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (t *Tracker) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS budget_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			monthly_cap_usd REAL NOT NULL,
			current_month TEXT NOT NULL,
			current_month_total REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS provider_balances (
			provider TEXT PRIMARY KEY,
			known_balance REAL,
			spent_tracked REAL NOT NULL DEFAULT 0,
			tier TEXT NOT NULL DEFAULT 'unknown',
			currency TEXT NOT NULL DEFAULT 'USD',
			notes TEXT NOT NULL DEFAULT '',
			balance_updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS budget_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			task_description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_provider ON budget_usage(provider, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("init budget schema: %w", err)
		}
	}
	return nil
}

func (t *Tracker) ensureConfig(seeds []ProviderSeed) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var exists int
	if err := t.db.QueryRow(`SELECT COUNT(1) FROM budget_config WHERE id = 1`).Scan(&exists); err != nil {
		return fmt.Errorf("check budget config: %w", err)
	}
	if exists == 0 {
		if _, err := t.db.Exec(`
			INSERT INTO budget_config (id, monthly_cap_usd, current_month, current_month_total)
			VALUES (1, ?, ?, 0)
		`, t.monthlyCapUSD, currentMonthKey()); err != nil {
			return fmt.Errorf("seed budget config: %w", err)
		}
	}

	var providerCount int
	if err := t.db.QueryRow(`SELECT COUNT(1) FROM provider_balances`).Scan(&providerCount); err != nil {
		return fmt.Errorf("count providers: %w", err)
	}
	if providerCount > 0 {
		return nil
	}
	for _, s := range seeds {
		currency := s.Currency
		if currency == "" {
			currency = "USD"
		}
		var updatedAt any
		if s.KnownBalance != nil {
			updatedAt = time.Now().UTC().Format(time.RFC3339)
		}
		if _, err := t.db.Exec(`
			INSERT INTO provider_balances (provider, known_balance, spent_tracked, tier, currency, notes, balance_updated_at)
			VALUES (?, ?, 0, ?, ?, ?, ?)
		`, s.Name, s.KnownBalance, s.Tier, currency, s.Notes, updatedAt); err != nil {
			return fmt.Errorf("seed provider %s: %w", s.Name, err)
		}
	}
	return nil
}

func currentMonthKey() string {
	return time.Now().UTC().Format("2006-01")
}

// RecordUsage is this tracker's atomic charge: it estimates cost from the
// provider's pricing table, appends a usage row, and updates the monthly
// and per-provider running totals within a single transaction. A month
// rollover zeroes current_month_total before adding this call's cost. The
// returned overCap reports whether this charge pushed the tracker's
// remaining budget to zero or below — the caller already has its LLM
// response in hand and should let the iteration continue, but must expect
// the next can_afford check for a monetary provider to fail.
func (t *Tracker) RecordUsage(provider, model string, inputTokens, outputTokens int, taskDescription string) (cost float64, overCap bool, err error) {
	cost = t.estimateCost(provider, model, inputTokens, outputTokens)

	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("begin record usage: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO budget_usage (provider, model, input_tokens, output_tokens, cost_usd, task_description)
		VALUES (?, ?, ?, ?, ?, ?)
	`, provider, model, inputTokens, outputTokens, cost, taskDescription); err != nil {
		return 0, false, fmt.Errorf("insert usage: %w", err)
	}

	month := currentMonthKey()
	var storedMonth string
	if err := tx.QueryRow(`SELECT current_month FROM budget_config WHERE id = 1`).Scan(&storedMonth); err != nil {
		return 0, false, fmt.Errorf("read budget month: %w", err)
	}
	if storedMonth != month {
		if _, err := tx.Exec(`UPDATE budget_config SET current_month = ?, current_month_total = 0 WHERE id = 1`, month); err != nil {
			return 0, false, fmt.Errorf("reset budget month: %w", err)
		}
	}
	if _, err := tx.Exec(`UPDATE budget_config SET current_month_total = current_month_total + ? WHERE id = 1`, cost); err != nil {
		return 0, false, fmt.Errorf("update month total: %w", err)
	}

	var currency string
	var found bool
	err = tx.QueryRow(`SELECT currency FROM provider_balances WHERE provider = ?`, provider).Scan(&currency)
	if err == nil {
		found = true
	} else if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("read provider currency: %w", err)
	}

	if found {
		increment := cost
		if !monetaryCurrencies[currency] {
			increment = 1
		}
		if _, err := tx.Exec(`UPDATE provider_balances SET spent_tracked = spent_tracked + ? WHERE provider = ?`, increment, provider); err != nil {
			return 0, false, fmt.Errorf("update provider spend: %w", err)
		}
	} else {
		if _, err := tx.Exec(`
			INSERT INTO provider_balances (provider, spent_tracked, tier, currency, notes)
			VALUES (?, ?, 'unknown', 'USD', 'auto-created from usage')
		`, provider, cost); err != nil {
			return 0, false, fmt.Errorf("auto-create provider: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit record usage: %w", err)
	}

	status, err := t.computeStatus()
	if err != nil {
		return cost, false, fmt.Errorf("post-charge status: %w", err)
	}
	return cost, status.Remaining <= 0, nil
}

func (t *Tracker) estimateCost(provider, model string, inputTokens, outputTokens int) float64 {
	models, ok := t.pricing[provider]
	if !ok {
		return 0
	}
	p, ok := models[model]
	if !ok {
		p, ok = models["default"]
		if !ok {
			return 0
		}
	}
	return (float64(inputTokens)/1000.0)*p.InputPer1K + (float64(outputTokens)/1000.0)*p.OutputPer1K
}

// GetStatus reports the overall budget position: if any provider has a
// known monetary balance, the sum of estimated remaining balances is used
// as the operative cap; otherwise the configured monthly cap applies.
func (t *Tracker) GetStatus() (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.computeStatus()
}

// computeStatus does the actual status query and assumes t.mu is already
// held, so RecordUsage can read the just-committed totals without
// recursing on the tracker's own mutex.
func (t *Tracker) computeStatus() (Status, error) {
	var monthlyCap, monthTotal float64
	var storedMonth string
	if err := t.db.QueryRow(`SELECT monthly_cap_usd, current_month, current_month_total FROM budget_config WHERE id = 1`).
		Scan(&monthlyCap, &storedMonth, &monthTotal); err != nil {
		return Status{}, fmt.Errorf("read budget config: %w", err)
	}
	month := currentMonthKey()
	spent := monthTotal
	if storedMonth != month {
		spent = 0
	}

	rows, err := t.db.Query(`
		SELECT provider, known_balance, spent_tracked, tier, currency, notes, balance_updated_at
		FROM provider_balances ORDER BY provider
	`)
	if err != nil {
		return Status{}, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var providers []ProviderStatus
	var totalAvailable float64
	for rows.Next() {
		var ps ProviderStatus
		var knownBalance sql.NullFloat64
		var updatedAt sql.NullString
		if err := rows.Scan(&ps.Provider, &knownBalance, &ps.SpentTracked, &ps.Tier, &ps.Currency, &ps.Notes, &updatedAt); err != nil {
			return Status{}, fmt.Errorf("scan provider: %w", err)
		}
		if knownBalance.Valid {
			b := knownBalance.Float64
			ps.KnownBalance = &b
			remaining := b - ps.SpentTracked
			if remaining < 0 {
				remaining = 0
			}
			ps.EstimatedRemaining = &remaining
			if monetaryCurrencies[ps.Currency] {
				totalAvailable += remaining
			}
		}
		if updatedAt.Valid {
			ps.BalanceUpdatedAt = updatedAt.String
		}
		providers = append(providers, ps)
	}
	if err := rows.Err(); err != nil {
		return Status{}, fmt.Errorf("iterate providers: %w", err)
	}

	var remaining, cap float64
	if totalAvailable > 0 {
		remaining = totalAvailable
		cap = totalAvailable + spent
	} else {
		remaining = monthlyCap - spent
		if remaining < 0 {
			remaining = 0
		}
		cap = monthlyCap
	}

	var pct float64
	if cap > 0 {
		pct = (spent / cap) * 100
	}

	return Status{
		MonthlyCap:  cap,
		Spent:       spent,
		Remaining:   remaining,
		PercentUsed: pct,
		MonthKey:    month,
		Providers:   providers,
	}, nil
}

// RecommendedTier maps remaining budget and percent-used to a router floor.
func (t *Tracker) RecommendedTier() (string, error) {
	status, err := t.GetStatus()
	if err != nil {
		return "", err
	}
	switch {
	case status.Remaining < 1.0:
		return "local_only", nil
	case status.Remaining < 5.0 || status.PercentUsed >= 80:
		return "level3", nil
	case status.Remaining < 15.0 || status.PercentUsed >= 60:
		return "level2", nil
	default:
		return "level1", nil
	}
}

// CanSpend reports whether the estimated remaining budget covers a call
// of the given rough cost.
func (t *Tracker) CanSpend(estimatedCost float64) (bool, error) {
	status, err := t.GetStatus()
	if err != nil {
		return false, err
	}
	return status.Remaining >= estimatedCost, nil
}

// SetMonthlyCap overrides the tracked monthly cap. It is the creator-gated
// counterpart to the cap baked in at Open time, exposed for the HTTP
// override route; it does not touch spent totals.
func (t *Tracker) SetMonthlyCap(capUSD float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.monthlyCapUSD = capUSD
	_, err := t.db.Exec(`UPDATE budget_config SET monthly_cap_usd = ? WHERE id = 1`, capUSD)
	return err
}

// UpdateProviderBalance is invoked by the creator (or by the self-update
// tool with creator authorization) to correct a provider's known balance.
func (t *Tracker) UpdateProviderBalance(provider string, knownBalance *float64, tier, currency, notes string, resetSpending bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var exists int
	if err := t.db.QueryRow(`SELECT COUNT(1) FROM provider_balances WHERE provider = ?`, provider).Scan(&exists); err != nil {
		return fmt.Errorf("check provider: %w", err)
	}
	if exists == 0 {
		if _, err := t.db.Exec(`INSERT INTO provider_balances (provider, spent_tracked) VALUES (?, 0)`, provider); err != nil {
			return fmt.Errorf("create provider: %w", err)
		}
	}

	setClauses := []string{}
	args := []any{}
	if knownBalance != nil {
		setClauses = append(setClauses, "known_balance = ?", "balance_updated_at = ?")
		args = append(args, *knownBalance, time.Now().UTC().Format(time.RFC3339))
		if resetSpending {
			setClauses = append(setClauses, "spent_tracked = 0")
		}
	}
	if tier != "" {
		setClauses = append(setClauses, "tier = ?")
		args = append(args, tier)
	}
	if currency != "" {
		setClauses = append(setClauses, "currency = ?")
		args = append(args, currency)
	}
	if notes != "" {
		setClauses = append(setClauses, "notes = ?")
		args = append(args, notes)
	}
	if len(setClauses) == 0 {
		return nil
	}
	query := "UPDATE provider_balances SET "
	for i, c := range setClauses {
		if i > 0 {
			query += ", "
		}
		query += c
	}
	query += " WHERE provider = ?"
	args = append(args, provider)
	if _, err := t.db.Exec(query, args...); err != nil {
		return fmt.Errorf("update provider balance: %w", err)
	}
	return nil
}
