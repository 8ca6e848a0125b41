package ratelimit

import (
	"log/slog"
)

// Budget holds the configured per-model ceilings. Zero values mean unlimited.
type Budget struct {
	TPM int `yaml:"tpm"`
	RPM int `yaml:"rpm"`
}

// Registry owns one limiter per model for the lifetime of the process. It is
// constructed at worker startup and injected into the pipelines; limiter state does not
// survive a restart.
type Registry struct {
	limiters map[string]*Limiter
	fallback *Limiter
}

// NewRegistry builds limiters for every configured model. Models without an entry get
// a shared unconfigured limiter whose Acquire admits immediately.
func NewRegistry(budgets map[string]Budget, logger *slog.Logger) *Registry {
	limiters := make(map[string]*Limiter, len(budgets))
	for model, b := range budgets {
		limiters[model] = New(model, b.TPM, b.RPM, logger)
	}
	return &Registry{
		limiters: limiters,
		fallback: New("", 0, 0, logger),
	}
}

// For returns the limiter for the given model.
func (r *Registry) For(model string) *Limiter {
	if l, ok := r.limiters[model]; ok {
		return l
	}
	return r.fallback
}
