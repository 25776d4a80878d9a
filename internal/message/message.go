// SPDX-License-Identifier: Apache-2.0

// Package message decodes execution messages from the governance server into
// a closed set of variants. Anything that does not carry a task id and an
// execution status is rejected here and never reaches the tracker.
package message

import (
	"encoding/json"

	"github.com/adiadia/governance-tracker/internal/domain"
)

type Kind string

const (
	KindStarted       Kind = "started"
	KindStepProgress  Kind = "step_progress"
	KindStepStatus    Kind = "step_status"
	KindWorkflowEnded Kind = "workflow_ended"
	KindUnknown       Kind = "unknown"
)

// Message is implemented by Started, StepProgress, StepStatus, WorkflowEnded
// and Unknown only.
type Message interface {
	Meta() Envelope
	Kind() Kind
	sealed()
}

// Envelope holds the fields every message carries.
type Envelope struct {
	TaskID          domain.TaskID
	ExecutionStatus string
	Text            string
	Raw             json.RawMessage
}

func (e Envelope) Meta() Envelope { return e }
func (Envelope) sealed()          {}

// Started opens a run. Steps is empty when the server does not announce the
// pipeline.
type Started struct {
	Envelope
	Steps []domain.WorkflowStep
}

func (Started) Kind() Kind { return KindStarted }

// StepProgress updates one step's counters.
type StepProgress struct {
	Envelope
	StepID           domain.StepID
	Progress         int
	ProcessedRecords int64
	TotalRecords     int64
}

func (StepProgress) Kind() Kind { return KindStepProgress }

// StepStatus moves one step to a new status. Counter fields are nil when the
// message did not carry them.
type StepStatus struct {
	Envelope
	StepID           domain.StepID
	Status           domain.StepStatus
	Progress         *int
	ProcessedRecords *int64
	TotalRecords     *int64
	Error            string
}

func (StepStatus) Kind() Kind { return KindStepStatus }

// WorkflowEnded closes a run with a terminal status.
type WorkflowEnded struct {
	Envelope
	Status domain.ExecutionStatus
	Error  string
}

func (WorkflowEnded) Kind() Kind { return KindWorkflowEnded }

// Unknown is a well-formed message the tracker has no fold for. It is still
// logged on the execution.
type Unknown struct {
	Envelope
}

func (Unknown) Kind() Kind { return KindUnknown }
