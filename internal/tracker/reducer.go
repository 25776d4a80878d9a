// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"log/slog"

	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/adiadia/governance-tracker/internal/message"
	"github.com/adiadia/governance-tracker/internal/metrics"
)

// Effect reports what applying one message did.
type Effect struct {
	// Applied is false when the message was dropped: the task was removed or
	// already finished.
	Applied bool
	Started bool
	Ended   bool
	Status  domain.ExecutionStatus
}

// Reducer folds decoded messages into the store and publishes the resulting
// updates. Apply must be called from a single goroutine per task.
type Reducer struct {
	store  *Store
	hub    *Hub
	logger *slog.Logger
}

func NewReducer(store *Store, hub *Hub, logger *slog.Logger) *Reducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reducer{store: store, hub: hub, logger: logger}
}

func (r *Reducer) Apply(msg message.Message) Effect {
	meta := msg.Meta()
	id := meta.TaskID

	before, _ := r.store.Summary(id)
	if _, ok := r.store.RecordMessage(id, domain.ExecutionMessage{
		ExecutionStatus: meta.ExecutionStatus,
		Payload:         meta.Raw,
	}); !ok {
		metrics.IncMessagesDiscarded("inactive_task")
		r.logger.Debug("message for inactive task dropped", "task_id", id, "kind", msg.Kind())
		return Effect{}
	}
	metrics.IncMessagesProcessed(string(msg.Kind()))

	eff := Effect{Applied: true}
	switch m := msg.(type) {
	case message.Started:
		r.applyStarted(m)
		eff.Started = true
	case message.StepProgress:
		r.applyStepProgress(m)
	case message.StepStatus:
		r.applyStepStatus(m)
	case message.WorkflowEnded:
		r.applyEnded(m)
		eff.Ended = true
	case message.Unknown:
		r.logger.Debug("unhandled execution status", "task_id", id, "execution_status", meta.ExecutionStatus)
	}

	after, ok := r.store.Summary(id)
	if !ok {
		return eff
	}
	eff.Status = after.Status
	if after.Status != before.Status || after.Progress != before.Progress || after.Error != before.Error {
		r.hub.publishWorkflowStatus(after)
		if after.Status.IsTerminal() {
			metrics.IncWorkflowFinished(string(after.Status))
		}
	}
	return eff
}

func (r *Reducer) applyStarted(m message.Started) {
	id := m.TaskID
	if len(m.Steps) > 0 && !r.store.ConfigureSteps(id, m.Steps) {
		r.logger.Debug("announced steps ignored after run began", "task_id", id)
	}

	current, ok := r.store.Summary(id)
	if !ok || current.Status != domain.ExecutionIdle {
		return
	}
	current.Status = domain.ExecutionStarting
	r.store.UpdateWorkflowStatus(id, current)
}

func (r *Reducer) applyStepProgress(m message.StepProgress) {
	step, ok := r.store.UpdateStepProgress(m.TaskID, m.StepID, m.Progress, m.ProcessedRecords, m.TotalRecords)
	if !ok {
		return
	}
	r.hub.publishStepProgress(StepProgressUpdate{
		TaskID:           m.TaskID,
		StepID:           step.ID,
		Progress:         step.Progress,
		ProcessedRecords: step.ProcessedRecords,
		TotalRecords:     step.TotalRecords,
	})
}

func (r *Reducer) applyStepStatus(m message.StepStatus) {
	id := m.TaskID
	current, ok := r.store.Step(id, m.StepID)
	if !ok {
		r.logger.Debug("status for unknown step ignored", "task_id", id, "step_id", m.StepID)
		return
	}

	// A step that finishes without having been seen running passes through
	// running first so subscribers observe a legal sequence.
	if !current.Status.CanTransition(m.Status) &&
		current.Status.CanTransition(domain.StepRunning) &&
		domain.StepRunning.CanTransition(m.Status) {
		bridged, ok := r.store.UpdateStepStatus(id, m.StepID, domain.StepRunning, current)
		if !ok {
			return
		}
		r.hub.publishStepStatus(StepStatusUpdate{TaskID: id, Step: bridged})
		current = bridged
	}

	next := current
	if m.Progress != nil {
		next.Progress = *m.Progress
	} else if m.Status == domain.StepCompleted {
		next.Progress = 100
	}
	if m.ProcessedRecords != nil {
		next.ProcessedRecords = *m.ProcessedRecords
	}
	if m.TotalRecords != nil {
		next.TotalRecords = *m.TotalRecords
	}
	if m.Status == domain.StepError {
		next.Error = m.Error
	} else {
		next.Error = ""
	}
	if m.Status != current.Status {
		next.EndTime = nil
	}

	step, ok := r.store.UpdateStepStatus(id, m.StepID, m.Status, next)
	if !ok {
		return
	}
	if step.Status == domain.StepError {
		r.logger.Warn("step failed", "task_id", id, "step_id", step.ID, "error", step.Error)
	}
	r.hub.publishStepStatus(StepStatusUpdate{TaskID: id, Step: step})
}

func (r *Reducer) applyEnded(m message.WorkflowEnded) {
	id := m.TaskID
	current, ok := r.store.Summary(id)
	if !ok {
		return
	}

	progress, _ := r.store.OverallProgress(id)
	if m.Status == domain.ExecutionCompleted {
		progress = 100
	}
	current.Status = m.Status
	current.Progress = progress
	current.Error = m.Error
	current.EndTime = nil
	r.store.UpdateWorkflowStatus(id, current)

	r.logger.Info("workflow ended", "task_id", id, "status", m.Status, "error", m.Error)
}

// Cancel marks a live execution cancelled and publishes the change. It
// returns false when the execution is unknown or already finished.
func (r *Reducer) Cancel(id domain.TaskID) bool {
	current, ok := r.store.Summary(id)
	if !ok || current.Status.IsTerminal() {
		return false
	}
	current.Status = domain.ExecutionCancelled
	current.EndTime = nil
	summary, ok := r.store.UpdateWorkflowStatus(id, current)
	if !ok {
		return false
	}
	metrics.IncWorkflowFinished(string(summary.Status))
	r.hub.publishWorkflowStatus(summary)
	return true
}
