package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageOrderAndQueues(t *testing.T) {
	expected := []string{
		"resume-processing",
		"ai-analysis",
		"linkedin-analysis",
		"github-analysis",
		"interview-processing",
		"scoring",
	}
	assert.Equal(t, expected, QueueNames())
	assert.Len(t, StageOrder, 6)
}

func TestNextStage(t *testing.T) {
	tests := []struct {
		name    string
		stage   Stage
		want    Stage
		hasNext bool
	}{
		{name: "resume advances to ai-analysis", stage: StageResume, want: StageAIAnalysis, hasNext: true},
		{name: "ai-analysis advances to linkedin", stage: StageAIAnalysis, want: StageLinkedIn, hasNext: true},
		{name: "linkedin advances to github", stage: StageLinkedIn, want: StageGitHub, hasNext: true},
		{name: "github advances to interview", stage: StageGitHub, want: StageInterview, hasNext: true},
		{name: "interview advances to scoring", stage: StageInterview, want: StageScoring, hasNext: true},
		{name: "scoring is terminal", stage: StageScoring, hasNext: false},
		{name: "unknown stage has no next", stage: Stage("bogus"), hasNext: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok := NextStage(tt.stage)
			assert.Equal(t, tt.hasNext, ok)
			if tt.hasNext {
				assert.Equal(t, tt.want, next)
			}
		})
	}
}

func TestStageForQueue(t *testing.T) {
	stage, ok := StageForQueue(QueueGitHubAnalysis)
	require.True(t, ok)
	assert.Equal(t, StageGitHub, stage)

	_, ok = StageForQueue("unknown-queue")
	assert.False(t, ok)
}

func TestParseStage(t *testing.T) {
	stage, err := ParseStage("interview")
	require.NoError(t, err)
	assert.Equal(t, StageInterview, stage)

	_, err = ParseStage("onboarding")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown pipeline stage")
}
