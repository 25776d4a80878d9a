// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/adiadia/governance-tracker/internal/domain"
)

var (
	ErrMalformed              = errors.New("malformed execution message")
	ErrMissingTaskID          = errors.New("execution message missing taskId")
	ErrMissingExecutionStatus = errors.New("execution message missing executionStatus")
)

type wirePayload struct {
	TaskID           flexString    `json:"taskId"`
	ExecutionStatus  flexString    `json:"executionStatus"`
	StepID           flexString    `json:"stepId"`
	Status           flexString    `json:"status"`
	Progress         *float64      `json:"progress"`
	ProcessedRecords *int64        `json:"processedRecords"`
	TotalRecords     *int64        `json:"totalRecords"`
	Error            flexString    `json:"error"`
	Message          flexString    `json:"message"`
	Steps            []wireStepDef `json:"steps"`
}

type wireStepDef struct {
	ID          flexString `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Enabled     *bool      `json:"enabled"`
	IsAutomatic *bool      `json:"isAutomatic"`
	Resumable   *bool      `json:"resumable"`
}

// Decode parses one event payload. It returns ErrMalformed for non-JSON
// input and ErrMissingTaskID / ErrMissingExecutionStatus when a required
// field is absent; callers discard those.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformed
	}

	var p wirePayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	taskID, err := domain.ParseTaskID(string(p.TaskID))
	if err != nil {
		return nil, ErrMissingTaskID
	}
	execStatus := strings.TrimSpace(string(p.ExecutionStatus))
	if execStatus == "" {
		return nil, ErrMissingExecutionStatus
	}

	env := Envelope{
		TaskID:          taskID,
		ExecutionStatus: execStatus,
		Text:            strings.TrimSpace(string(p.Message)),
		Raw:             append(json.RawMessage(nil), trimmed...),
	}
	stepID := domain.StepID(strings.TrimSpace(string(p.StepID)))
	errText := strings.TrimSpace(string(p.Error))

	switch strings.ToLower(execStatus) {
	case "start", "started":
		return Started{Envelope: env, Steps: decodeSteps(p.Steps)}, nil
	case "end", "ended":
		return WorkflowEnded{Envelope: env, Status: endStatus(string(p.Status), errText), Error: errText}, nil
	case "finished", "completed":
		if stepID == "" {
			return WorkflowEnded{Envelope: env, Status: domain.ExecutionCompleted, Error: errText}, nil
		}
		return stepStatus(env, stepID, domain.StepCompleted, p, errText), nil
	case "cancelled", "canceled":
		return WorkflowEnded{Envelope: env, Status: domain.ExecutionCancelled, Error: errText}, nil
	case "error", "failed":
		if stepID == "" {
			return WorkflowEnded{Envelope: env, Status: domain.ExecutionError, Error: errText}, nil
		}
		return stepStatus(env, stepID, domain.StepError, p, errText), nil
	}

	if stepID == "" {
		return Unknown{Envelope: env}, nil
	}
	if status, ok := domain.ParseStepStatus(string(p.Status)); ok {
		return stepStatus(env, stepID, status, p, errText), nil
	}

	progress := 0
	if p.Progress != nil {
		progress = roundProgress(*p.Progress)
	}
	out := StepProgress{
		Envelope: env,
		StepID:   stepID,
		Progress: progress,
	}
	if p.ProcessedRecords != nil {
		out.ProcessedRecords = *p.ProcessedRecords
	}
	if p.TotalRecords != nil {
		out.TotalRecords = *p.TotalRecords
	}
	if p.Progress == nil && out.TotalRecords > 0 {
		out.Progress = domain.ClampProgress(int(out.ProcessedRecords * 100 / out.TotalRecords))
	}
	return out, nil
}

func stepStatus(env Envelope, stepID domain.StepID, status domain.StepStatus, p wirePayload, errText string) StepStatus {
	out := StepStatus{
		Envelope:         env,
		StepID:           stepID,
		Status:           status,
		ProcessedRecords: p.ProcessedRecords,
		TotalRecords:     p.TotalRecords,
		Error:            errText,
	}
	if p.Progress != nil {
		v := roundProgress(*p.Progress)
		out.Progress = &v
	}
	return out
}

func endStatus(raw, errText string) domain.ExecutionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "error", "failed", "failure":
		return domain.ExecutionError
	case "cancelled", "canceled":
		return domain.ExecutionCancelled
	case "":
		if errText != "" {
			return domain.ExecutionError
		}
	}
	return domain.ExecutionCompleted
}

func decodeSteps(defs []wireStepDef) []domain.WorkflowStep {
	if len(defs) == 0 {
		return nil
	}
	out := make([]domain.WorkflowStep, 0, len(defs))
	for _, d := range defs {
		id := domain.StepID(strings.TrimSpace(string(d.ID)))
		if id == "" {
			continue
		}
		st := domain.WorkflowStep{
			ID:          id,
			Title:       d.Title,
			Description: d.Description,
			Status:      domain.StepIdle,
			Enabled:     boolOr(d.Enabled, true),
			IsAutomatic: boolOr(d.IsAutomatic, true),
			Resumable:   boolOr(d.Resumable, true),
		}
		if st.Title == "" {
			st.Title = string(id)
		}
		out = append(out, st)
	}
	return out
}

func roundProgress(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return domain.ClampProgress(int(math.Round(v)))
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// flexString accepts JSON strings, numbers and booleans. Objects and arrays
// keep their compact JSON text, which is how servers sometimes ship errors.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if b[0] == '{' || b[0] == '[' {
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err != nil {
			return err
		}
		*f = flexString(buf.String())
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err == nil {
		*f = flexString(b)
		return nil
	}
	if s := string(b); s == "true" || s == "false" {
		*f = flexString(s)
		return nil
	}
	return fmt.Errorf("unsupported json value %q", b)
}
