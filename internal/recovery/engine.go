// Package recovery turns recurring error signatures into automated
// remediation. Failures are grouped into patterns keyed by
// service:operation:errorType; above a threshold a declarative strategy
// table decides whether to retry, restart, skip, or escalate to a human.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hirepipe/screening-core/internal/pipeline"
)

// ActionType is the remediation kind picked for a failure pattern.
type ActionType string

const (
	ActionRetry   ActionType = "retry"
	ActionRestart ActionType = "restart"
	ActionSkip    ActionType = "skip"
	ActionManual  ActionType = "manual"
)

// Action describes one remediation strategy.
type Action struct {
	Type        ActionType    `json:"type"`
	Description string        `json:"description"`
	MaxAttempts int           `json:"maxAttempts,omitempty"`
	Backoff     time.Duration `json:"backoffMs,omitempty"`
}

// Pattern aggregates repeated failures sharing one signature. Patterns are
// in-memory and process-lifetime only.
type Pattern struct {
	Service         string    `json:"service"`
	Operation       string    `json:"operation"`
	ErrorType       string    `json:"errorType"`
	Count           int       `json:"count"`
	FirstOccurrence time.Time `json:"firstOccurrence"`
	LastOccurrence  time.Time `json:"lastOccurrence"`
	Action          Action    `json:"recoveryAction"`
}

// Key builds the pattern signature.
func Key(service, operation, errorType string) string {
	return service + ":" + operation + ":" + errorType
}

// QueueControls is what the engine needs from the queue layer to remediate.
type QueueControls interface {
	RetryAllFailedJobs(ctx context.Context) (map[string]int, error)
	RestartStalledJobs(ctx context.Context) (map[string]int, error)
}

// Reconnector re-establishes connectivity to one infrastructure service.
type Reconnector func(ctx context.Context) error

// Trigger thresholds: retry actions damp the first couple of transient
// failures, critical infrastructure escalates faster.
const (
	retryThreshold    = 3
	restartThreshold  = 2
	criticalThreshold = 2
)

// criticalServices escalate at the lower threshold regardless of action type.
var criticalServices = map[string]bool{
	"database": true,
	"redis":    true,
	"queue":    true,
}

// externalServices have a per-service cooldown that recovery doubles, so a
// provider that keeps rate-limiting us is hit progressively less often.
var externalServices = map[string]bool{
	"gemini":   true,
	"openai":   true,
	"claude":   true,
	"linkedin": true,
	"github":   true,
	"vapi":     true,
}

// Config holds recovery engine dependencies and tuning.
type Config struct {
	Logger       *slog.Logger
	Queues       QueueControls
	Reconnectors map[string]Reconnector // keyed by service name

	// Strategies overrides the default strategy table when non-nil.
	Strategies map[string]Action

	SweepInterval time.Duration // default 1h
	PatternTTL    time.Duration // default 24h
	BaseCooldown  time.Duration // default 30s
	MaxCooldown   time.Duration // default 10m
}

// Engine is the failure recovery engine.
type Engine struct {
	logger       *slog.Logger
	queues       QueueControls
	reconnectors map[string]Reconnector
	strategies   map[string]Action

	sweepInterval time.Duration
	patternTTL    time.Duration
	baseCooldown  time.Duration
	maxCooldown   time.Duration

	mu         sync.Mutex
	patterns   map[string]*Pattern
	inProgress map[string]bool
	cooldowns  map[string]time.Duration
	stopped    bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// NewEngine creates a recovery engine. Start launches the pattern sweep.
func NewEngine(cfg Config) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.PatternTTL <= 0 {
		cfg.PatternTTL = 24 * time.Hour
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 30 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 10 * time.Minute
	}
	strategies := cfg.Strategies
	if strategies == nil {
		strategies = defaultStrategies()
	}

	return &Engine{
		logger:        cfg.Logger,
		queues:        cfg.Queues,
		reconnectors:  cfg.Reconnectors,
		strategies:    strategies,
		sweepInterval: cfg.SweepInterval,
		patternTTL:    cfg.PatternTTL,
		baseCooldown:  cfg.BaseCooldown,
		maxCooldown:   cfg.MaxCooldown,
		patterns:      make(map[string]*Pattern),
		inProgress:    make(map[string]bool),
		cooldowns:     make(map[string]time.Duration),
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}
}

// defaultStrategies is the static strategy table. New failure classes are
// added as rows here, not as branches in the dispatch code.
func defaultStrategies() map[string]Action {
	table := map[string]Action{
		Key("database", "connect", pipeline.ErrKindConnection): {
			Type:        ActionRetry,
			Description: "reconnect database with backoff",
			MaxAttempts: 5,
			Backoff:     time.Second,
		},
		Key("redis", "connect", pipeline.ErrKindConnection): {
			Type:        ActionRetry,
			Description: "reconnect redis with backoff",
			MaxAttempts: 5,
			Backoff:     time.Second,
		},
		Key("queue", "stalled", pipeline.ErrKindStalledJob): {
			Type:        ActionRestart,
			Description: "restart stalled queue jobs",
			MaxAttempts: 1,
		},
		Key("queue", "process", pipeline.ErrKindTimeout): {
			Type:        ActionRetry,
			Description: "resubmit failed queue jobs",
			MaxAttempts: 3,
			Backoff:     5 * time.Second,
		},
		Key(pipeline.QueueResumeProcessing, "parse", pipeline.ErrKindCorruptFile): {
			Type:        ActionSkip,
			Description: "skip corrupt resume file",
		},
		Key(pipeline.QueueResumeProcessing, "parse", pipeline.ErrKindUnsupportedFormat): {
			Type:        ActionSkip,
			Description: "skip unsupported resume format",
		},
	}

	// Every external provider shares the same rate-limit remediation:
	// back off harder on each recurrence.
	for service := range externalServices {
		table[Key(service, "api", pipeline.ErrKindRateLimit)] = Action{
			Type:        ActionRetry,
			Description: fmt.Sprintf("increase %s cooldown", service),
			MaxAttempts: 3,
			Backoff:     2 * time.Second,
		}
	}
	return table
}

// Start launches the hourly sweep that purges patterns idle longer than the
// TTL.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-e.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

// Stop cancels the sweep, refuses new recoveries and waits for in-flight
// ones to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
	e.wg.Wait()
}

// RecordFailure looks up or creates the pattern for the failure signature,
// increments it, and launches a recovery when the trigger policy fires. At
// most one recovery per pattern key is in flight at any time.
func (e *Engine) RecordFailure(service, operation, errorType string, err error) {
	key := Key(service, operation, errorType)
	now := e.now()

	e.mu.Lock()
	pattern, ok := e.patterns[key]
	if !ok {
		action, known := e.strategies[key]
		if !known {
			action = Action{Type: ActionManual, Description: "unknown failure pattern, escalate to operator"}
		}
		pattern = &Pattern{
			Service:         service,
			Operation:       operation,
			ErrorType:       errorType,
			FirstOccurrence: now,
			Action:          action,
		}
		e.patterns[key] = pattern
	}
	pattern.Count++
	pattern.LastOccurrence = now

	// The wg.Add must happen under the lock, before Stop flips stopped and
	// starts waiting, or the added goroutine races the Wait.
	trigger := e.shouldTriggerRecovery(pattern) && !e.inProgress[key] && !e.stopped
	if trigger {
		e.inProgress[key] = true
		e.wg.Add(1)
	}
	snapshot := *pattern
	e.mu.Unlock()

	e.logger.Warn("Failure recorded",
		slog.String("pattern", key),
		slog.Int("count", snapshot.Count),
		slog.String("action", string(snapshot.Action.Type)),
		slog.Any("error", err),
	)

	if !trigger {
		return
	}

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inProgress, key)
			e.mu.Unlock()
		}()
		e.triggerRecovery(key, snapshot)
	}()
}

// shouldTriggerRecovery implements the trigger policy. Caller holds the lock.
func (e *Engine) shouldTriggerRecovery(p *Pattern) bool {
	if criticalServices[p.Service] && p.Count >= criticalThreshold {
		return true
	}
	switch p.Action.Type {
	case ActionRetry:
		return p.Count >= retryThreshold
	case ActionRestart:
		return p.Count >= restartThreshold
	default:
		return false
	}
}

// triggerRecovery dispatches the pattern's action. A successful recovery
// resets the pattern count so the next occurrence restarts threshold
// counting.
func (e *Engine) triggerRecovery(key string, pattern Pattern) {
	e.logger.Info("Triggering recovery",
		slog.String("pattern", key),
		slog.String("action", string(pattern.Action.Type)),
		slog.String("description", pattern.Action.Description),
	)

	ctx := context.Background()
	var err error
	switch pattern.Action.Type {
	case ActionRetry:
		err = e.recoverRetry(ctx, pattern)
	case ActionRestart:
		err = e.recoverRestart(ctx, pattern)
	case ActionSkip:
		// Per-item corruption must not block the batch; success by decree.
		e.logger.Info("Skipping failure pattern", slog.String("pattern", key))
	default:
		err = fmt.Errorf("pattern %s requires manual intervention", key)
	}

	if err != nil {
		e.logger.Error("Recovery failed",
			slog.String("pattern", key),
			slog.Any("error", err),
		)
		return
	}

	e.mu.Lock()
	if p, ok := e.patterns[key]; ok {
		p.Count = 0
	}
	e.mu.Unlock()

	e.logger.Info("Recovery succeeded", slog.String("pattern", key))
}

// recoverRetry waits out the configured backoff, then applies the
// service-specific retry primitive.
func (e *Engine) recoverRetry(ctx context.Context, pattern Pattern) error {
	if pattern.Action.Backoff > 0 {
		select {
		case <-time.After(pattern.Action.Backoff):
		case <-e.stopChan:
			return fmt.Errorf("recovery aborted by shutdown")
		}
	}

	if reconnect, ok := e.reconnectors[pattern.Service]; ok {
		if err := reconnect(ctx); err != nil {
			return fmt.Errorf("failed to reconnect %s: %w", pattern.Service, err)
		}
		return nil
	}

	if pattern.Service == "queue" {
		if _, err := e.queues.RetryAllFailedJobs(ctx); err != nil {
			return fmt.Errorf("failed to resubmit failed jobs: %w", err)
		}
		return nil
	}

	if externalServices[pattern.Service] {
		cooldown := e.bumpCooldown(pattern.Service)
		e.logger.Info("External service cooldown increased",
			slog.String("service", pattern.Service),
			slog.Duration("cooldown", cooldown),
		)
		return nil
	}

	return fmt.Errorf("no retry primitive for service %q", pattern.Service)
}

// recoverRestart is only meaningful for the queue service.
func (e *Engine) recoverRestart(ctx context.Context, pattern Pattern) error {
	if pattern.Service != "queue" {
		return fmt.Errorf("restart is not supported for service %q", pattern.Service)
	}
	counts, err := e.queues.RestartStalledJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to restart stalled jobs: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	e.logger.Info("Stalled jobs restarted", slog.Int("count", total))
	return nil
}

// bumpCooldown doubles a service's stored cooldown, capped at the maximum.
func (e *Engine) bumpCooldown(service string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	cooldown, ok := e.cooldowns[service]
	if !ok || cooldown <= 0 {
		cooldown = e.baseCooldown
	} else {
		cooldown *= 2
	}
	if cooldown > e.maxCooldown {
		cooldown = e.maxCooldown
	}
	e.cooldowns[service] = cooldown
	return cooldown
}

// Cooldown reads the current cooldown of an external service.
func (e *Engine) Cooldown(service string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldowns[service]
}

// sweep purges patterns whose last occurrence is older than the TTL.
func (e *Engine) sweep() {
	cutoff := e.now().Add(-e.patternTTL)

	e.mu.Lock()
	purged := 0
	for key, pattern := range e.patterns {
		if pattern.LastOccurrence.Before(cutoff) {
			delete(e.patterns, key)
			purged++
		}
	}
	e.mu.Unlock()

	if purged > 0 {
		e.logger.Info("Stale failure patterns purged", slog.Int("count", purged))
	}
}

// GetFailurePatterns returns a snapshot of every tracked pattern.
func (e *Engine) GetFailurePatterns() []Pattern {
	e.mu.Lock()
	defer e.mu.Unlock()

	patterns := make([]Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		patterns = append(patterns, *p)
	}
	return patterns
}

// Status is the operator view of the engine.
type Status struct {
	ActivePatterns     int                      `json:"activePatterns"`
	RecoveryInProgress []string                 `json:"recoveryInProgress"`
	Cooldowns          map[string]time.Duration `json:"cooldowns"`
}

// GetRecoveryStatus reports pattern and in-flight recovery counts.
func (e *Engine) GetRecoveryStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := Status{
		ActivePatterns: len(e.patterns),
		Cooldowns:      make(map[string]time.Duration, len(e.cooldowns)),
	}
	for key := range e.inProgress {
		status.RecoveryInProgress = append(status.RecoveryInProgress, key)
	}
	for service, cooldown := range e.cooldowns {
		status.Cooldowns[service] = cooldown
	}
	return status
}
