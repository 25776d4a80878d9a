// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"math"
	"time"
)

type ExecutionStatus string

const (
	ExecutionIdle      ExecutionStatus = "idle"
	ExecutionStarting  ExecutionStatus = "starting"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further mutation may happen.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionError || s == ExecutionCancelled
}

type WorkflowExecution struct {
	TaskID    TaskID             `json:"task_id"`
	Status    ExecutionStatus    `json:"status"`
	StartTime time.Time          `json:"start_time"`
	EndTime   *time.Time         `json:"end_time,omitempty"`
	Progress  int                `json:"progress"`
	Error     string             `json:"error,omitempty"`
	Steps     []WorkflowStep     `json:"steps"`
	Messages  []ExecutionMessage `json:"messages,omitempty"`
}

// ExecutionSummary is the overall state of an execution without its steps or
// message log. It is what workflow status updates replace atomically.
type ExecutionSummary struct {
	TaskID    TaskID          `json:"task_id"`
	Status    ExecutionStatus `json:"status"`
	Progress  int             `json:"progress"`
	StartTime time.Time       `json:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (e WorkflowExecution) Summary() ExecutionSummary {
	return ExecutionSummary{
		TaskID:    e.TaskID,
		Status:    e.Status,
		Progress:  e.Progress,
		StartTime: e.StartTime,
		EndTime:   cloneTime(e.EndTime),
		Error:     e.Error,
	}
}

// Clone returns a deep copy safe to hand out of the store.
func (e WorkflowExecution) Clone() WorkflowExecution {
	out := e
	out.EndTime = cloneTime(e.EndTime)

	out.Steps = make([]WorkflowStep, len(e.Steps))
	for i, st := range e.Steps {
		out.Steps[i] = st.Clone()
	}

	out.Messages = make([]ExecutionMessage, len(e.Messages))
	copy(out.Messages, e.Messages)
	return out
}

// StepIndex returns the position of a step or -1.
func (e WorkflowExecution) StepIndex(id StepID) int {
	for i := range e.Steps {
		if e.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// AggregateProgress is the mean progress of enabled steps, rounded to the
// nearest integer. Disabled steps never count.
func AggregateProgress(steps []WorkflowStep) int {
	var (
		sum     int
		enabled int
	)
	for _, st := range steps {
		if !st.Enabled {
			continue
		}
		sum += ClampProgress(st.Progress)
		enabled++
	}
	if enabled == 0 {
		return 0
	}
	return int(math.Round(float64(sum) / float64(enabled)))
}

// AggregateRecords sums the record counters of enabled steps.
func AggregateRecords(steps []WorkflowStep) (processed, total int64) {
	for _, st := range steps {
		if !st.Enabled {
			continue
		}
		processed += st.ProcessedRecords
		total += st.TotalRecords
	}
	return processed, total
}
