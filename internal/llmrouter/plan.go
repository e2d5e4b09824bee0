package llmrouter

import (
	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/store"
)

// Candidate is one (provider, model) pair in a fallback plan.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (c Candidate) String() string { return c.Provider + "/" + c.Model }

// PlanInput is everything BuildPlan consults.
type PlanInput struct {
	Routing *store.LLMRoutingConfig
	// Provider and Model are the caller's explicit preference; either may be empty.
	Provider string
	Model    string
	// Usable reports whether a provider can be called at all (registered adapter and API key present).
	Usable func(provider string) bool
	// Blocked reports an active cooldown; nil means nothing is blocked.
	Blocked func(provider, model string) bool
}

// BuildPlan orders candidates: the explicit preference first, then the
// default route, then the configured fallback chain. Duplicates and providers
// that are not usable are dropped. Cooling-down candidates are skipped unless
// that would leave the plan empty.
func BuildPlan(in PlanInput) []Candidate {
	rc := in.Routing
	if rc == nil {
		return nil
	}
	var ordered []Candidate
	if p := preferred(in); p.Provider != "" && p.Model != "" {
		ordered = append(ordered, p)
	}
	if r, ok := rc.ModelRouting["default"]; ok && r.Provider != "" && r.Model != "" {
		ordered = append(ordered, Candidate{Provider: r.Provider, Model: r.Model})
	}
	for _, r := range rc.Fallback {
		ordered = append(ordered, Candidate{Provider: r.Provider, Model: r.Model})
	}

	seen := make(map[Candidate]bool, len(ordered))
	var usable []Candidate
	for _, c := range ordered {
		if seen[c] {
			continue
		}
		seen[c] = true
		if _, ok := rc.LLMProviders[c.Provider]; !ok {
			continue
		}
		if in.Usable != nil && !in.Usable(c.Provider) {
			continue
		}
		usable = append(usable, c)
	}

	if in.Blocked == nil {
		return usable
	}
	var open []Candidate
	for _, c := range usable {
		if !in.Blocked(c.Provider, c.Model) {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return usable
	}
	return open
}

// preferred resolves a partial preference against the routing config: a
// provider without a model takes that provider's default model, a model
// without a provider goes to the default route's provider.
func preferred(in PlanInput) Candidate {
	c := Candidate{Provider: in.Provider, Model: in.Model}
	if c.Provider == "" && c.Model != "" {
		if r, ok := in.Routing.ModelRouting["default"]; ok {
			c.Provider = r.Provider
		}
	}
	if c.Provider != "" && c.Model == "" {
		c.Model = in.Routing.DefaultModel(c.Provider)
	}
	return c
}
