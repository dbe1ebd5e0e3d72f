package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(budgets map[string]Budget) (*Limiter, *time.Time) {
	l := New(budgets)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCanMakeCall_ExactBudgetPerWindow(t *testing.T) {
	l, _ := newTestLimiter(nil)

	// Exactly N calls succeed, the N+1th is denied.
	for i := 0; i < 5; i++ {
		assert.True(t, l.CanMakeCall("gemini", 5, time.Minute), "call %d should be allowed", i+1)
	}
	assert.False(t, l.CanMakeCall("gemini", 5, time.Minute))
	assert.False(t, l.CanMakeCall("gemini", 5, time.Minute))
}

func TestCanMakeCall_WindowResets(t *testing.T) {
	l, now := newTestLimiter(nil)

	for i := 0; i < 3; i++ {
		require.True(t, l.CanMakeCall("openai", 3, time.Minute))
	}
	require.False(t, l.CanMakeCall("openai", 3, time.Minute))

	*now = now.Add(61 * time.Second)

	// A fresh window starts with this call already counted.
	assert.True(t, l.CanMakeCall("openai", 3, time.Minute))
	assert.Equal(t, 2, l.RemainingCalls("openai", 3))
}

func TestCanMakeCall_ServicesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(nil)

	require.True(t, l.CanMakeCall("gemini", 1, time.Minute))
	require.False(t, l.CanMakeCall("gemini", 1, time.Minute))

	assert.True(t, l.CanMakeCall("claude", 1, time.Minute))
}

func TestAllow_UsesConfiguredBudgets(t *testing.T) {
	l, _ := newTestLimiter(map[string]Budget{
		"linkedin": {MaxCalls: 2, Window: time.Hour},
	})

	assert.True(t, l.Allow("linkedin"))
	assert.True(t, l.Allow("linkedin"))
	assert.False(t, l.Allow("linkedin"))

	// Services without a budget are not limited.
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("unbudgeted"))
	}
}

func TestRemainingCalls(t *testing.T) {
	l, now := newTestLimiter(nil)

	assert.Equal(t, 10, l.RemainingCalls("github", 10))

	require.True(t, l.CanMakeCall("github", 10, time.Minute))
	require.True(t, l.CanMakeCall("github", 10, time.Minute))
	assert.Equal(t, 8, l.RemainingCalls("github", 10))

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, 10, l.RemainingCalls("github", 10))
}

func TestResetTime(t *testing.T) {
	l, now := newTestLimiter(nil)

	_, ok := l.ResetTime("vapi")
	assert.False(t, ok)

	start := *now
	require.True(t, l.CanMakeCall("vapi", 5, time.Minute))

	resetAt, ok := l.ResetTime("vapi")
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), resetAt)

	*now = now.Add(2 * time.Minute)
	_, ok = l.ResetTime("vapi")
	assert.False(t, ok)
}

func TestDefaultBudgets(t *testing.T) {
	budgets := DefaultBudgets()

	assert.Equal(t, Budget{MaxCalls: 1000, Window: time.Hour}, budgets["gemini"])
	assert.Equal(t, Budget{MaxCalls: 500, Window: time.Hour}, budgets["openai"])
	assert.Equal(t, Budget{MaxCalls: 300, Window: time.Hour}, budgets["claude"])
	assert.Equal(t, Budget{MaxCalls: 100, Window: time.Hour}, budgets["linkedin"])
	assert.Equal(t, Budget{MaxCalls: 5000, Window: time.Hour}, budgets["github"])
	assert.Equal(t, Budget{MaxCalls: 200, Window: time.Hour}, budgets["vapi"])
}
