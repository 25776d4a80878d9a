// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"strings"
	"time"
)

type StepID string
type StepStatus string

const (
	StepIdle      StepStatus = "idle"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
	StepPaused    StepStatus = "paused"
)

type WorkflowStep struct {
	ID               StepID     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           StepStatus `json:"status"`
	Enabled          bool       `json:"enabled"`
	IsAutomatic      bool       `json:"is_automatic"`
	Resumable        bool       `json:"resumable"`
	Progress         int        `json:"progress"`
	ProcessedRecords int64      `json:"processed_records"`
	TotalRecords     int64      `json:"total_records"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// ParseStepStatus maps the status strings used by the governance server onto
// the step states. Unknown values report ok=false.
func ParseStepStatus(raw string) (StepStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "idle", "pending", "waiting":
		return StepIdle, true
	case "running", "processing", "in_progress":
		return StepRunning, true
	case "completed", "success", "succeeded", "done":
		return StepCompleted, true
	case "error", "failed", "failure":
		return StepError, true
	case "paused", "suspended":
		return StepPaused, true
	default:
		return "", false
	}
}

// CanTransition reports whether a step may move from one status to another.
// Steps only move forward; paused and errored steps go back to running when
// the workflow is continued. Repeating the current status is allowed.
func (from StepStatus) CanTransition(to StepStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StepIdle:
		return to == StepRunning
	case StepRunning:
		return to == StepCompleted || to == StepError || to == StepPaused
	case StepPaused, StepError:
		return to == StepRunning
	default:
		return false
	}
}

func (s StepStatus) IsFinished() bool {
	return s == StepCompleted || s == StepError || s == StepPaused
}

// ClampProgress bounds a percentage to 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func (s WorkflowStep) Clone() WorkflowStep {
	out := s
	out.StartTime = cloneTime(s.StartTime)
	out.EndTime = cloneTime(s.EndTime)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
