package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirepipe/screening-core/internal/pipeline"
)

type fakeSource struct {
	stats   []pipeline.QueueStats
	pingErr error
}

func (f *fakeSource) GetAllQueueStats(ctx context.Context) ([]pipeline.QueueStats, error) {
	return f.stats, nil
}

func (f *fakeSource) Ping(ctx context.Context) error {
	return f.pingErr
}

func newTestMonitor(source StatsSource) *Monitor {
	return NewMonitor(Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Source: source,
	})
}

func healthyStats(name string) pipeline.QueueStats {
	return pipeline.QueueStats{QueueName: name, Completed: 90, Failed: 5}
}

func TestGenerateHealthReport_AllHealthy(t *testing.T) {
	source := &fakeSource{stats: []pipeline.QueueStats{
		healthyStats("resume-processing"),
		healthyStats("ai-analysis"),
	}}
	m := newTestMonitor(source)

	report := m.GenerateHealthReport(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.BrokerConnected)
	require.Len(t, report.Queues, 2)
	for _, q := range report.Queues {
		assert.True(t, q.Healthy, q.QueueName)
		assert.Empty(t, q.Issues)
	}
	assert.WithinDuration(t, time.Now().UTC(), report.CheckedAt, time.Minute)
}

func TestGenerateHealthReport_FailureRateFlagsQueue(t *testing.T) {
	source := &fakeSource{stats: []pipeline.QueueStats{
		{QueueName: "ai-analysis", Completed: 70, Failed: 30},
		healthyStats("resume-processing"),
		healthyStats("scoring"),
	}}
	m := newTestMonitor(source)

	report := m.GenerateHealthReport(context.Background())
	assert.Equal(t, StatusWarning, report.Status)

	require.Len(t, report.Queues, 3)
	assert.False(t, report.Queues[0].Healthy)
	require.Len(t, report.Queues[0].Issues, 1)
	assert.Contains(t, report.Queues[0].Issues[0], "failure rate")
}

func TestGenerateHealthReport_BacklogFlagsQueue(t *testing.T) {
	source := &fakeSource{stats: []pipeline.QueueStats{
		{QueueName: "linkedin-analysis", Waiting: 250},
		healthyStats("resume-processing"),
		healthyStats("scoring"),
	}}
	m := newTestMonitor(source)

	report := m.GenerateHealthReport(context.Background())
	assert.Equal(t, StatusWarning, report.Status)
	assert.False(t, report.Queues[0].Healthy)
	assert.Contains(t, report.Queues[0].Issues[0], "waiting backlog")
}

func TestGenerateHealthReport_BoundaryValuesStayHealthy(t *testing.T) {
	// Exactly 20% failures and exactly 200 waiting are still acceptable.
	source := &fakeSource{stats: []pipeline.QueueStats{
		{QueueName: "github-analysis", Completed: 80, Failed: 20, Waiting: 200},
	}}
	m := newTestMonitor(source)

	report := m.GenerateHealthReport(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.Queues[0].Healthy)
}

func TestGenerateHealthReport_MajorityUnhealthyIsCritical(t *testing.T) {
	source := &fakeSource{stats: []pipeline.QueueStats{
		{QueueName: "resume-processing", Waiting: 300},
		{QueueName: "ai-analysis", Completed: 10, Failed: 90},
		healthyStats("scoring"),
	}}
	m := newTestMonitor(source)

	report := m.GenerateHealthReport(context.Background())
	assert.Equal(t, StatusCritical, report.Status)
}

func TestGenerateHealthReport_BrokerDownIsCritical(t *testing.T) {
	source := &fakeSource{
		stats:   []pipeline.QueueStats{healthyStats("resume-processing")},
		pingErr: errors.New("connection refused"),
	}
	m := newTestMonitor(source)

	report := m.GenerateHealthReport(context.Background())
	assert.Equal(t, StatusCritical, report.Status)
	assert.False(t, report.BrokerConnected)
}

func TestGenerateHealthReport_NoQueuesIsHealthy(t *testing.T) {
	m := newTestMonitor(&fakeSource{})

	report := m.GenerateHealthReport(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Queues)
}

func TestPerformHealthCheckCachesReport(t *testing.T) {
	source := &fakeSource{stats: []pipeline.QueueStats{healthyStats("scoring")}}
	m := newTestMonitor(source)

	assert.Nil(t, m.LastReport())

	m.PerformHealthCheck(context.Background())
	report := m.LastReport()
	require.NotNil(t, report)
	assert.Equal(t, StatusHealthy, report.Status)

	// The cached report reflects the state at check time.
	source.pingErr = errors.New("connection refused")
	assert.Equal(t, StatusHealthy, m.LastReport().Status)

	m.PerformHealthCheck(context.Background())
	assert.Equal(t, StatusCritical, m.LastReport().Status)
}

func TestStartAndStop(t *testing.T) {
	source := &fakeSource{stats: []pipeline.QueueStats{healthyStats("scoring")}}
	m := NewMonitor(Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Source:   source,
		Interval: 10 * time.Millisecond,
	})

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return m.LastReport() != nil
	}, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop() // idempotent
}
