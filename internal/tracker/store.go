// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adiadia/governance-tracker/internal/domain"
)

const defaultTombstoneCapacity = 1024

type StoreOptions struct {
	// Steps builds the step list of a new execution. Defaults to
	// domain.DefaultPipeline.
	Steps func() []domain.WorkflowStep
	// TombstoneCapacity bounds how many removed task ids are remembered.
	TombstoneCapacity int
	Now               func() time.Time
	Logger            *slog.Logger
}

// Store holds one execution record per task id. Reads hand out deep copies;
// all mutation goes through its methods. Updates for unknown tasks are
// no-ops reported through the ok result.
type Store struct {
	mu         sync.RWMutex
	executions map[domain.TaskID]*domain.WorkflowExecution
	active     map[domain.TaskID]struct{}
	tombstones *lru.Cache[domain.TaskID, time.Time]

	steps  func() []domain.WorkflowStep
	now    func() time.Time
	logger *slog.Logger
}

func NewStore(opts StoreOptions) *Store {
	steps := opts.Steps
	if steps == nil {
		steps = domain.DefaultPipeline
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := opts.TombstoneCapacity
	if capacity <= 0 {
		capacity = defaultTombstoneCapacity
	}

	// lru.New only fails on a non-positive size.
	tombstones, _ := lru.New[domain.TaskID, time.Time](capacity)

	return &Store{
		executions: make(map[domain.TaskID]*domain.WorkflowExecution, 16),
		active:     make(map[domain.TaskID]struct{}, 16),
		tombstones: tombstones,
		steps:      steps,
		now:        now,
		logger:     logger,
	}
}

// Initialize creates an idle execution for id. It returns false when the
// execution already exists or the id was removed earlier.
func (s *Store) Initialize(id domain.TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, created := s.ensureLocked(id)
	return created
}

func (s *Store) ensureLocked(id domain.TaskID) (*domain.WorkflowExecution, bool) {
	if exec, ok := s.executions[id]; ok {
		return exec, false
	}
	if s.tombstones.Contains(id) {
		return nil, false
	}

	exec := &domain.WorkflowExecution{
		TaskID:    id,
		Status:    domain.ExecutionIdle,
		StartTime: s.now(),
		Steps:     s.steps(),
		Messages:  make([]domain.ExecutionMessage, 0, 16),
	}
	s.executions[id] = exec
	s.active[id] = struct{}{}

	s.logger.Debug("execution initialized", "task_id", id)
	return exec, true
}

func (s *Store) Has(id domain.TaskID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.executions[id]
	return ok
}

// IsRemoved reports whether id was removed or evicted and is still
// remembered as such.
func (s *Store) IsRemoved(id domain.TaskID) bool {
	return s.tombstones.Contains(id)
}

// Revive forgets that id was removed so an explicit user action may track
// it again.
func (s *Store) Revive(id domain.TaskID) {
	s.tombstones.Remove(id)
}

// RecordMessage appends msg to the execution log, creating the execution on
// first sight. Messages for removed or finished executions are dropped.
func (s *Store) RecordMessage(id domain.TaskID, msg domain.ExecutionMessage) (domain.ExecutionMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, _ := s.ensureLocked(id)
	if exec == nil {
		return domain.ExecutionMessage{}, false
	}
	if exec.Status.IsTerminal() {
		return domain.ExecutionMessage{}, false
	}

	msg.TaskID = id
	msg.Seq = int64(len(exec.Messages)) + 1
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now()
	}
	exec.Messages = append(exec.Messages, msg)
	return msg, true
}

// ConfigureSteps replaces the step list while no step has started yet.
func (s *Store) ConfigureSteps(id domain.TaskID, steps []domain.WorkflowStep) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok || exec.Status.IsTerminal() {
		return false
	}
	for _, st := range exec.Steps {
		if st.Status != domain.StepIdle {
			return false
		}
	}

	out := make([]domain.WorkflowStep, len(steps))
	for i, st := range steps {
		out[i] = st.Clone()
	}
	exec.Steps = out
	exec.Progress = domain.AggregateProgress(exec.Steps)
	return true
}

// SetStepEnabled toggles whether a step counts towards the run and whether
// it proceeds without user confirmation.
func (s *Store) SetStepEnabled(id domain.TaskID, stepID domain.StepID, enabled, automatic bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok || exec.Status.IsTerminal() {
		return false
	}
	idx := exec.StepIndex(stepID)
	if idx < 0 {
		return false
	}
	exec.Steps[idx].Enabled = enabled
	exec.Steps[idx].IsAutomatic = automatic
	exec.Progress = domain.AggregateProgress(exec.Steps)
	return true
}

// UpdateStepProgress sets one step's counters. An idle step starts running.
// Paused and errored steps keep their status and error until a status
// message moves them; completed steps are left alone.
func (s *Store) UpdateStepProgress(id domain.TaskID, stepID domain.StepID, progress int, processed, total int64) (domain.WorkflowStep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok || exec.Status.IsTerminal() {
		return domain.WorkflowStep{}, false
	}
	idx := exec.StepIndex(stepID)
	if idx < 0 {
		s.logger.Debug("progress for unknown step ignored", "task_id", id, "step_id", stepID)
		return domain.WorkflowStep{}, false
	}

	step := &exec.Steps[idx]
	if step.Status == domain.StepCompleted {
		return domain.WorkflowStep{}, false
	}
	if step.Status == domain.StepIdle {
		now := s.now()
		step.Status = domain.StepRunning
		step.EndTime = nil
		if step.StartTime == nil {
			step.StartTime = &now
		}
	}

	step.Progress = domain.ClampProgress(progress)
	step.ProcessedRecords = processed
	step.TotalRecords = total

	if step.Status == domain.StepRunning {
		s.markRunningLocked(exec)
	}
	exec.Progress = domain.AggregateProgress(exec.Steps)
	return step.Clone(), true
}

// UpdateStepStatus replaces the named step with snapshot, moved to status.
// Transitions that go backwards are rejected.
func (s *Store) UpdateStepStatus(id domain.TaskID, stepID domain.StepID, status domain.StepStatus, snapshot domain.WorkflowStep) (domain.WorkflowStep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok || exec.Status.IsTerminal() {
		return domain.WorkflowStep{}, false
	}
	idx := exec.StepIndex(stepID)
	if idx < 0 {
		s.logger.Debug("status for unknown step ignored", "task_id", id, "step_id", stepID)
		return domain.WorkflowStep{}, false
	}

	current := exec.Steps[idx]
	if !current.Status.CanTransition(status) {
		s.logger.Warn("step transition rejected",
			"task_id", id,
			"step_id", stepID,
			"from", current.Status,
			"to", status,
		)
		return domain.WorkflowStep{}, false
	}

	next := snapshot.Clone()
	next.ID = stepID
	next.Status = status
	next.Progress = domain.ClampProgress(next.Progress)

	now := s.now()
	switch {
	case status == domain.StepRunning:
		if next.StartTime == nil {
			next.StartTime = &now
		}
		next.EndTime = nil
		next.Error = ""
	case status.IsFinished():
		if next.StartTime == nil {
			next.StartTime = &now
		}
		if next.EndTime == nil {
			next.EndTime = &now
		}
	}

	exec.Steps[idx] = next
	if status == domain.StepRunning {
		s.markRunningLocked(exec)
	}
	exec.Progress = domain.AggregateProgress(exec.Steps)
	return next.Clone(), true
}

func (s *Store) markRunningLocked(exec *domain.WorkflowExecution) {
	if exec.Status == domain.ExecutionIdle || exec.Status == domain.ExecutionStarting {
		exec.Status = domain.ExecutionRunning
	}
}

// UpdateWorkflowStatus replaces the overall status and progress in one
// step. A terminal status stamps EndTime and leaves the active index.
func (s *Store) UpdateWorkflowStatus(id domain.TaskID, summary domain.ExecutionSummary) (domain.ExecutionSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok || exec.Status.IsTerminal() {
		return domain.ExecutionSummary{}, false
	}

	exec.Status = summary.Status
	exec.Progress = domain.ClampProgress(summary.Progress)
	exec.Error = summary.Error
	if !summary.StartTime.IsZero() {
		exec.StartTime = summary.StartTime
	}

	if summary.Status.IsTerminal() {
		end := s.now()
		if summary.EndTime != nil {
			end = *summary.EndTime
		}
		exec.EndTime = &end
		delete(s.active, id)
	}

	return exec.Summary(), true
}

// Remove deletes the execution and remembers the id so late messages do not
// bring it back.
func (s *Store) Remove(id domain.TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.executions[id]
	s.removeLocked(id)
	return ok
}

func (s *Store) removeLocked(id domain.TaskID) {
	delete(s.executions, id)
	delete(s.active, id)
	s.tombstones.Add(id, s.now())
}

// CleanupCompleted keeps the keep most recently ended executions and evicts
// the rest. Executions that have not ended are never evicted.
func (s *Store) CleanupCompleted(keep int) []domain.TaskID {
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ended := make([]*domain.WorkflowExecution, 0, len(s.executions))
	for _, exec := range s.executions {
		if exec.Status.IsTerminal() {
			ended = append(ended, exec)
		}
	}
	if len(ended) <= keep {
		return nil
	}

	sort.Slice(ended, func(i, j int) bool {
		ti, tj := endTime(ended[i]), endTime(ended[j])
		if ti.Equal(tj) {
			return ended[i].TaskID > ended[j].TaskID
		}
		return ti.After(tj)
	})

	evicted := make([]domain.TaskID, 0, len(ended)-keep)
	for _, exec := range ended[keep:] {
		evicted = append(evicted, exec.TaskID)
		s.removeLocked(exec.TaskID)
	}

	s.logger.Info("completed executions evicted", "evicted", len(evicted), "kept", keep)
	return evicted
}

func endTime(exec *domain.WorkflowExecution) time.Time {
	if exec.EndTime != nil {
		return *exec.EndTime
	}
	return exec.StartTime
}

func (s *Store) Get(id domain.TaskID) (domain.WorkflowExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return domain.WorkflowExecution{}, false
	}
	return exec.Clone(), true
}

func (s *Store) Summary(id domain.TaskID) (domain.ExecutionSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return domain.ExecutionSummary{}, false
	}
	return exec.Summary(), true
}

func (s *Store) Step(id domain.TaskID, stepID domain.StepID) (domain.WorkflowStep, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return domain.WorkflowStep{}, false
	}
	idx := exec.StepIndex(stepID)
	if idx < 0 {
		return domain.WorkflowStep{}, false
	}
	return exec.Steps[idx].Clone(), true
}

// Messages returns the log entries after afterSeq, in order.
func (s *Store) Messages(id domain.TaskID, afterSeq int64) ([]domain.ExecutionMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, false
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(exec.Messages)) {
		return []domain.ExecutionMessage{}, true
	}
	out := make([]domain.ExecutionMessage, len(exec.Messages)-int(afterSeq))
	copy(out, exec.Messages[afterSeq:])
	return out, true
}

// List returns every execution, newest start first.
func (s *Store) List() []domain.WorkflowExecution {
	s.mu.RLock()
	out := make([]domain.WorkflowExecution, 0, len(s.executions))
	for _, exec := range s.executions {
		out = append(out, exec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Ended returns the executions that reached a terminal status.
func (s *Store) Ended() []domain.WorkflowExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.WorkflowExecution, 0, len(s.executions)-len(s.active))
	for _, exec := range s.executions {
		if exec.Status.IsTerminal() {
			out = append(out, exec.Clone())
		}
	}
	return out
}

func (s *Store) ActiveTaskIDs() []domain.TaskID {
	s.mu.RLock()
	out := make([]domain.TaskID, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}

// OverallProgress is the mean progress over enabled steps.
func (s *Store) OverallProgress(id domain.TaskID) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return 0, false
	}
	return domain.AggregateProgress(exec.Steps), true
}

// ProcessedTotals sums record counters over enabled steps.
func (s *Store) ProcessedTotals(id domain.TaskID) (processed, total int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, found := s.executions[id]
	if !found {
		return 0, 0, false
	}
	processed, total = domain.AggregateRecords(exec.Steps)
	return processed, total, true
}
