package pipeline

import "fmt"

// Stage is one step of the candidate screening pipeline.
type Stage string

const (
	StageResume     Stage = "resume"
	StageAIAnalysis Stage = "ai-analysis"
	StageLinkedIn   Stage = "linkedin"
	StageGitHub     Stage = "github"
	StageInterview  Stage = "interview"
	StageScoring    Stage = "scoring"
)

// Queue names are fixed and case-sensitive; external operators address
// queues by these names.
const (
	QueueResumeProcessing    = "resume-processing"
	QueueAIAnalysis          = "ai-analysis"
	QueueLinkedInAnalysis    = "linkedin-analysis"
	QueueGitHubAnalysis      = "github-analysis"
	QueueInterviewProcessing = "interview-processing"
	QueueScoring             = "scoring"
)

// StageOrder lists the stages in processing order. A candidate advances
// through them one at a time; the next stage is only enqueued after the
// previous one succeeds.
var StageOrder = []Stage{
	StageResume,
	StageAIAnalysis,
	StageLinkedIn,
	StageGitHub,
	StageInterview,
	StageScoring,
}

var stageQueues = map[Stage]string{
	StageResume:     QueueResumeProcessing,
	StageAIAnalysis: QueueAIAnalysis,
	StageLinkedIn:   QueueLinkedInAnalysis,
	StageGitHub:     QueueGitHubAnalysis,
	StageInterview:  QueueInterviewProcessing,
	StageScoring:    QueueScoring,
}

// QueueName returns the queue bound to the stage.
func (s Stage) QueueName() string {
	return stageQueues[s]
}

// Valid reports whether s is one of the known pipeline stages.
func (s Stage) Valid() bool {
	_, ok := stageQueues[s]
	return ok
}

// QueueNames returns all queue names in stage order.
func QueueNames() []string {
	names := make([]string, 0, len(StageOrder))
	for _, s := range StageOrder {
		names = append(names, s.QueueName())
	}
	return names
}

// StageForQueue maps a queue name back to its stage.
func StageForQueue(queueName string) (Stage, bool) {
	for stage, queue := range stageQueues {
		if queue == queueName {
			return stage, true
		}
	}
	return "", false
}

// NextStage returns the stage that follows s, or false when s is the
// final stage of the pipeline.
func NextStage(s Stage) (Stage, bool) {
	for i, stage := range StageOrder {
		if stage == s {
			if i+1 < len(StageOrder) {
				return StageOrder[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// ParseStage validates a stage string coming from an API request.
func ParseStage(s string) (Stage, error) {
	stage := Stage(s)
	if !stage.Valid() {
		return "", fmt.Errorf("unknown pipeline stage: %q", s)
	}
	return stage, nil
}
