// Package screening builds the six stage processors. Each processor is a
// thin JSON call to that stage's analysis service: prompt content and
// provider wire formats live behind those endpoints, this side only moves
// candidate ids, enforces call budgets and classifies failures.
package screening

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hirepipe/screening-core/internal/pipeline"
	"github.com/hirepipe/screening-core/internal/ratelimit"
	"github.com/hirepipe/screening-core/internal/recovery"
)

// Endpoint binds one stage to its analysis service.
type Endpoint struct {
	// URL receives a JSON POST with the candidate/job-profile/batch ids.
	URL string
	// Service is the external provider the call is budgeted against.
	Service string
}

// FailureSink receives classified processor failures. The recovery engine
// implements it.
type FailureSink interface {
	RecordFailure(service, operation, errorType string, err error)
}

// Config holds processor dependencies.
type Config struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	Limiter    *ratelimit.Limiter
	Failures   FailureSink // optional
	Endpoints  map[pipeline.Stage]Endpoint
}

// NewProcessors builds one processor per configured stage.
func NewProcessors(cfg Config) (map[pipeline.Stage]pipeline.Processor, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	processors := make(map[pipeline.Stage]pipeline.Processor, len(pipeline.StageOrder))
	for _, stage := range pipeline.StageOrder {
		endpoint, ok := cfg.Endpoints[stage]
		if !ok {
			return nil, fmt.Errorf("no endpoint configured for stage %q", stage)
		}
		processors[stage] = newStageProcessor(cfg, stage, endpoint)
	}
	return processors, nil
}

var _ FailureSink = (*recovery.Engine)(nil)

func newStageProcessor(cfg Config, stage pipeline.Stage, endpoint Endpoint) pipeline.Processor {
	return func(ctx context.Context, job pipeline.JobData) (map[string]any, error) {
		if cfg.Limiter != nil && endpoint.Service != "" && !cfg.Limiter.Allow(endpoint.Service) {
			err := pipeline.Classify(pipeline.ErrKindRateLimit,
				fmt.Errorf("call budget for %s exhausted", endpoint.Service))
			cfg.report(endpoint.Service, "api", err)
			return nil, err
		}

		result, err := cfg.call(ctx, endpoint.URL, job)
		if err != nil {
			service := endpoint.Service
			if service == "" {
				service = stage.QueueName()
			}
			cfg.report(service, operationFor(stage), err)
			return nil, err
		}
		return result, nil
	}
}

// operationFor names the failing operation in recovery pattern keys.
func operationFor(stage pipeline.Stage) string {
	if stage == pipeline.StageResume {
		return "parse"
	}
	return "api"
}

func (cfg Config) report(service, operation string, err error) {
	if cfg.Logger != nil {
		cfg.Logger.Warn("Stage call failed",
			slog.String("service", service),
			slog.String("operation", operation),
			slog.String("error_type", pipeline.ErrorKind(err)),
			slog.Any("error", err),
		)
	}
	if cfg.Failures == nil {
		return
	}
	cfg.Failures.RecordFailure(service, operation, pipeline.ErrorKind(err), err)
}

type stageRequest struct {
	CandidateID  string `json:"candidateId"`
	JobProfileID string `json:"jobProfileId"`
	BatchID      string `json:"batchId"`
}

type stageResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

func (cfg Config) call(ctx context.Context, url string, job pipeline.JobData) (map[string]any, error) {
	body, err := json.Marshal(stageRequest{
		CandidateID:  job.CandidateID,
		JobProfileID: job.JobProfileID,
		BatchID:      job.BatchID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stage request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build stage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, pipeline.Classify(pipeline.ErrKindTimeout, err)
		}
		return nil, pipeline.Classify(pipeline.ErrKindConnection, err)
	}
	defer resp.Body.Close()

	var decoded stageResponse
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, pipeline.Classify(pipeline.ErrKindJob,
				fmt.Errorf("failed to decode stage response: %w", err))
		}
		if !decoded.Success {
			return nil, pipeline.Classify(pipeline.ErrKindJob,
				fmt.Errorf("stage reported failure: %s", decoded.Error))
		}
		return decoded.Result, nil
	}

	return nil, classifyStatus(resp.StatusCode)
}

// classifyStatus maps analysis service status codes onto the error taxonomy.
func classifyStatus(status int) error {
	err := fmt.Errorf("stage service returned status %d", status)
	switch status {
	case http.StatusTooManyRequests:
		return pipeline.Classify(pipeline.ErrKindRateLimit, err)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return pipeline.Classify(pipeline.ErrKindTimeout, err)
	case http.StatusUnsupportedMediaType:
		return pipeline.Classify(pipeline.ErrKindUnsupportedFormat, err)
	case http.StatusUnprocessableEntity:
		return pipeline.Classify(pipeline.ErrKindCorruptFile, err)
	default:
		return pipeline.Classify(pipeline.ErrKindJob, err)
	}
}
