package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirepipe/screening-core/internal/pipeline"
)

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher

	err := p.Publish(context.Background(), BatchEvent{Type: TypeBatchCreated, BatchID: "b1"})
	assert.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestPublisherWithoutChannelIsNoOp(t *testing.T) {
	p := &Publisher{}

	err := p.Publish(context.Background(), BatchEvent{Type: TypeBatchCompleted, BatchID: "b1"})
	assert.NoError(t, err)
}

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{TypeBatchCreated, "pipeline.batch.created"},
		{TypeStageCompleted, "pipeline.stage.completed"},
		{TypeCandidateFailed, "pipeline.candidate.failed"},
		{TypeBatchCompleted, "pipeline.batch.completed"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RoutingKey(tt.eventType))
	}
}

func TestBatchEventJSONShape(t *testing.T) {
	event := BatchEvent{
		EventID:      "evt-1",
		Type:         TypeStageCompleted,
		BatchID:      "batch-1",
		JobProfileID: "job-1",
		CandidateID:  "c1",
		Stage:        pipeline.StageAIAnalysis,
		Timestamp:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	body, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "stage.completed", decoded["type"])
	assert.Equal(t, "batch-1", decoded["batchId"])
	assert.Equal(t, "ai-analysis", decoded["stage"])

	// Empty optional fields are omitted entirely.
	body, err = json.Marshal(BatchEvent{Type: TypeBatchCreated, BatchID: "b"})
	require.NoError(t, err)
	decoded = nil
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.NotContains(t, decoded, "candidateId")
	assert.NotContains(t, decoded, "status")
}
