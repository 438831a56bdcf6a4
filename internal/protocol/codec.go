package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolError reports a message that failed validation. It is non-fatal:
// the caller drops the message and keeps reading the stream.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s", e.Reason)
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// envelope probes the discriminator before variant decoding.
type envelope struct {
	Type EventType `json:"type"`
}

// Decode validates and parses one raw stream message into an Event.
// Anything that is not a well-formed known variant yields a *ProtocolError.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, protocolErrorf("not a JSON object: %v", err)
	}

	switch env.Type {
	case EventWorkflowStart:
		return decodeWorkflowStart(data)
	case EventStepStart:
		return decodeStepStart(data)
	case EventStepEnd:
		return decodeStepEnd(data)
	case EventEvaluating:
		return Evaluating{}, nil
	case EventEvaluationResult:
		return decodeEvaluationResult(data)
	case EventWorkflowEnd:
		return decodeWorkflowEnd(data)
	case EventError:
		return decodeError(data)
	case "":
		return nil, protocolErrorf("missing type discriminator")
	default:
		return nil, protocolErrorf("unknown event type %q", env.Type)
	}
}

func decodeWorkflowStart(data []byte) (Event, error) {
	var raw struct {
		WorkflowName *string `json:"workflow_name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, protocolErrorf("workflow_start: %v", err)
	}
	if raw.WorkflowName == nil {
		return nil, protocolErrorf("workflow_start: missing workflow_name")
	}
	return WorkflowStart{WorkflowName: *raw.WorkflowName}, nil
}

func decodeStepStart(data []byte) (Event, error) {
	var raw struct {
		Step *string `json:"step"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, protocolErrorf("step_start: %v", err)
	}
	if raw.Step == nil || *raw.Step == "" {
		return nil, protocolErrorf("step_start: missing step")
	}
	return StepStart{Step: *raw.Step}, nil
}

func decodeStepEnd(data []byte) (Event, error) {
	var raw struct {
		Step       *string        `json:"step"`
		Status     *string        `json:"status"`
		DurationMS *float64       `json:"duration_ms"`
		ModelUsed  string         `json:"model_used"`
		TokensUsed int            `json:"tokens_used"`
		Metadata   map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, protocolErrorf("step_end: %v", err)
	}
	if raw.Step == nil || *raw.Step == "" {
		return nil, protocolErrorf("step_end: missing step")
	}
	if raw.Status == nil {
		return nil, protocolErrorf("step_end: missing status")
	}
	status := StepStatus(*raw.Status)
	switch status {
	case StepSuccess, StepFailure, StepSkipped:
	default:
		return nil, protocolErrorf("step_end: invalid status %q", *raw.Status)
	}
	if raw.DurationMS == nil {
		return nil, protocolErrorf("step_end: missing duration_ms")
	}
	return StepEnd{
		Step:       *raw.Step,
		Status:     status,
		DurationMS: *raw.DurationMS,
		ModelUsed:  raw.ModelUsed,
		TokensUsed: raw.TokensUsed,
		Metadata:   raw.Metadata,
	}, nil
}

func decodeEvaluationResult(data []byte) (Event, error) {
	var raw struct {
		WeightedScore *float64 `json:"weighted_score"`
		Grade         *string  `json:"grade"`
		Passed        *bool    `json:"passed"`
		PassThreshold *float64 `json:"pass_threshold"`
		Rubric        *string  `json:"rubric"`
		Criteria      []struct {
			Criterion *string  `json:"criterion"`
			Score     *float64 `json:"score"`
			MaxScore  *float64 `json:"max_score"`
			Weight    *float64 `json:"weight"`
		} `json:"criteria"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, protocolErrorf("evaluation_result: %v", err)
	}
	if raw.WeightedScore == nil {
		return nil, protocolErrorf("evaluation_result: missing weighted_score")
	}
	if raw.Grade == nil {
		return nil, protocolErrorf("evaluation_result: missing grade")
	}
	if raw.Passed == nil {
		return nil, protocolErrorf("evaluation_result: missing passed")
	}
	if raw.PassThreshold == nil {
		return nil, protocolErrorf("evaluation_result: missing pass_threshold")
	}
	if raw.Rubric == nil {
		return nil, protocolErrorf("evaluation_result: missing rubric")
	}

	result := EvaluationResult{
		WeightedScore: *raw.WeightedScore,
		Grade:         *raw.Grade,
		Passed:        *raw.Passed,
		PassThreshold: *raw.PassThreshold,
		Rubric:        *raw.Rubric,
	}
	for i, c := range raw.Criteria {
		if c.Criterion == nil || c.Score == nil || c.MaxScore == nil || c.Weight == nil {
			return nil, protocolErrorf("evaluation_result: criteria[%d] incomplete", i)
		}
		result.Criteria = append(result.Criteria, Criterion{
			Criterion: *c.Criterion,
			Score:     *c.Score,
			MaxScore:  *c.MaxScore,
			Weight:    *c.Weight,
		})
	}
	return result, nil
}

func decodeWorkflowEnd(data []byte) (Event, error) {
	var raw struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, protocolErrorf("workflow_end: %v", err)
	}
	if raw.Status == nil || *raw.Status == "" {
		return nil, protocolErrorf("workflow_end: missing status")
	}
	return WorkflowEnd{Status: *raw.Status}, nil
}

func decodeError(data []byte) (Event, error) {
	var raw struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, protocolErrorf("error: %v", err)
	}
	if raw.Message == nil {
		return nil, protocolErrorf("error: missing message")
	}
	return ErrorEvent{Message: *raw.Message}, nil
}

// Encode serializes an event back to its wire form. The simulator backend and
// tests use it; the monitor itself only decodes.
func Encode(ev Event) ([]byte, error) {
	payload := map[string]any{"type": ev.Type()}
	switch e := ev.(type) {
	case WorkflowStart:
		payload["workflow_name"] = e.WorkflowName
	case StepStart:
		payload["step"] = e.Step
	case StepEnd:
		payload["step"] = e.Step
		payload["status"] = e.Status
		payload["duration_ms"] = e.DurationMS
		if e.ModelUsed != "" {
			payload["model_used"] = e.ModelUsed
		}
		if e.TokensUsed != 0 {
			payload["tokens_used"] = e.TokensUsed
		}
		if e.Metadata != nil {
			payload["metadata"] = e.Metadata
		}
	case Evaluating:
	case EvaluationResult:
		payload["weighted_score"] = e.WeightedScore
		payload["grade"] = e.Grade
		payload["passed"] = e.Passed
		payload["pass_threshold"] = e.PassThreshold
		payload["rubric"] = e.Rubric
		criteria := make([]map[string]any, 0, len(e.Criteria))
		for _, c := range e.Criteria {
			criteria = append(criteria, map[string]any{
				"criterion": c.Criterion,
				"score":     c.Score,
				"max_score": c.MaxScore,
				"weight":    c.Weight,
			})
		}
		payload["criteria"] = criteria
	case WorkflowEnd:
		payload["status"] = e.Status
	case ErrorEvent:
		payload["message"] = e.Message
	default:
		return nil, fmt.Errorf("encode: unsupported event %T", ev)
	}
	return json.Marshal(payload)
}
