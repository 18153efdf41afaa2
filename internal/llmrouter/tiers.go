package llmrouter

import "github.com/stellarlinkco/jarvis-core/internal/config"

// BuildTiers turns configured provider seeds into the router's tier tables.
// Each seed lists the tiers it participates in (config.ProviderSeed.RouterTiers);
// a seed's cost bucket is derived from its currency and pricing tier rather
// than hand-enumerated per model, since models and prices are operator
// config here, not a hardcoded table. The zero-cost local_only chain is
// always populated regardless of what the operator configured, so the
// router never runs entirely out of providers.
func BuildTiers(seeds []config.ProviderSeed) map[string][]Candidate {
	tiers := map[string][]Candidate{
		"level1": {}, "level2": {}, "level3": {}, "local_only": {},
		"coding_level1": {}, "coding_level2": {}, "coding_level3": {},
	}

	for _, s := range seeds {
		cost := costBucket(s)
		for _, tierName := range s.RouterTiers {
			tiers[tierName] = append(tiers[tierName], Candidate{
				Provider: s.Name,
				Model:    s.Model,
				Cost:     cost,
			})
		}
	}

	if len(tiers["local_only"]) == 0 {
		tiers["local_only"] = []Candidate{{Provider: "local", Model: "llama3.2", Cost: CostFree}}
	}

	return tiers
}

func costBucket(s config.ProviderSeed) CostTier {
	if s.Currency != "" && s.Currency != "USD" && s.Currency != "EUR" && s.Currency != "GBP" {
		return CostFree
	}
	switch s.Tier {
	case "free":
		return CostFree
	case "low":
		return CostLow
	case "high":
		return CostHigh
	default:
		return CostMedium
	}
}
