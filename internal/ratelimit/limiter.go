// Package ratelimit gates outbound calls to external services with a
// fixed-window budget per service. The window resets wholesale at its
// boundary; counters live in this process only, which matches the
// single-orchestrator deployment.
package ratelimit

import (
	"sync"
	"time"
)

// Budget is the per-service call allowance for one window.
type Budget struct {
	MaxCalls int           `json:"maxCalls"`
	Window   time.Duration `json:"window"`
}

// DefaultBudgets returns the per-service budgets, chosen to stay safely
// under each provider's published limits.
func DefaultBudgets() map[string]Budget {
	return map[string]Budget{
		"gemini":   {MaxCalls: 1000, Window: time.Hour},
		"openai":   {MaxCalls: 500, Window: time.Hour},
		"claude":   {MaxCalls: 300, Window: time.Hour},
		"linkedin": {MaxCalls: 100, Window: time.Hour},
		"github":   {MaxCalls: 5000, Window: time.Hour},
		"vapi":     {MaxCalls: 200, Window: time.Hour},
	}
}

type counter struct {
	count     int
	resetTime time.Time
}

// Limiter tracks fixed-window call counters per external service.
type Limiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	budgets  map[string]Budget
	now      func() time.Time
}

// New creates a limiter. A nil budgets map falls back to the defaults.
func New(budgets map[string]Budget) *Limiter {
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	return &Limiter{
		counters: make(map[string]*counter),
		budgets:  budgets,
		now:      time.Now,
	}
}

// CanMakeCall consumes one call from the service's window if the budget
// allows it. An absent or expired window is re-initialized with this call
// counted, so exactly maxCalls calls succeed per window.
func (l *Limiter) CanMakeCall(service string, maxCalls int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[service]
	if !ok || now.After(c.resetTime) {
		l.counters[service] = &counter{count: 1, resetTime: now.Add(window)}
		return true
	}

	if c.count < maxCalls {
		c.count++
		return true
	}
	return false
}

// Allow consumes one call against the service's configured budget. Services
// without a configured budget are not limited.
func (l *Limiter) Allow(service string) bool {
	budget, ok := l.budgets[service]
	if !ok {
		return true
	}
	return l.CanMakeCall(service, budget.MaxCalls, budget.Window)
}

// RemainingCalls reports how many calls the service has left in the current
// window. An absent or expired window counts as full.
func (l *Limiter) RemainingCalls(service string, maxCalls int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[service]
	if !ok || l.now().After(c.resetTime) {
		return maxCalls
	}
	remaining := maxCalls - c.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetTime reports when the service's current window expires. The second
// return is false when no live window exists.
func (l *Limiter) ResetTime(service string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[service]
	if !ok || l.now().After(c.resetTime) {
		return time.Time{}, false
	}
	return c.resetTime, true
}

// Budgets returns the configured per-service budgets.
func (l *Limiter) Budgets() map[string]Budget {
	budgets := make(map[string]Budget, len(l.budgets))
	for service, budget := range l.budgets {
		budgets[service] = budget
	}
	return budgets
}
