// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/adiadia/governance-tracker/internal/domain"
)

type StepProgressUpdate struct {
	TaskID           domain.TaskID `json:"task_id"`
	StepID           domain.StepID `json:"step_id"`
	Progress         int           `json:"progress"`
	ProcessedRecords int64         `json:"processed_records"`
	TotalRecords     int64         `json:"total_records"`
}

type StepStatusUpdate struct {
	TaskID domain.TaskID       `json:"task_id"`
	Step   domain.WorkflowStep `json:"step"`
}

type WorkflowStatusUpdate = domain.ExecutionSummary

// Hub fans updates out to subscribers. Callbacks run synchronously on the
// publishing goroutine, outside the hub lock, so a callback may unsubscribe.
type Hub struct {
	mu       sync.Mutex
	nextID   uint64
	progress registry[StepProgressUpdate]
	status   registry[StepStatusUpdate]
	workflow registry[WorkflowStatusUpdate]

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		progress: newRegistry[StepProgressUpdate](),
		status:   newRegistry[StepStatusUpdate](),
		workflow: newRegistry[WorkflowStatusUpdate](),
		logger:   logger,
	}
}

// Subscription is a handle on one registered callback.
type Subscription struct {
	once    sync.Once
	release func()
}

// Unsubscribe stops delivery. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

func (h *Hub) OnStepProgress(id domain.TaskID, fn func(StepProgressUpdate)) *Subscription {
	return subscribe(h, &h.progress, id, false, fn)
}

func (h *Hub) OnStepStatus(id domain.TaskID, fn func(StepStatusUpdate)) *Subscription {
	return subscribe(h, &h.status, id, false, fn)
}

func (h *Hub) OnWorkflowStatus(id domain.TaskID, fn func(WorkflowStatusUpdate)) *Subscription {
	return subscribe(h, &h.workflow, id, false, fn)
}

// OnAllWorkflowStatus receives workflow status updates for every task.
func (h *Hub) OnAllWorkflowStatus(fn func(WorkflowStatusUpdate)) *Subscription {
	return subscribe(h, &h.workflow, "", true, fn)
}

// ReleaseTask drops every per-task subscription of id.
func (h *Hub) ReleaseTask(id domain.TaskID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.progress.byTask, id)
	delete(h.status.byTask, id)
	delete(h.workflow.byTask, id)
}

// Count is the number of per-task subscribers of id.
func (h *Hub) Count(id domain.TaskID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.progress.byTask[id]) + len(h.status.byTask[id]) + len(h.workflow.byTask[id])
}

func (h *Hub) publishStepProgress(u StepProgressUpdate) {
	deliver(h, &h.progress, u.TaskID, u, "step_progress")
}

func (h *Hub) publishStepStatus(u StepStatusUpdate) {
	deliver(h, &h.status, u.TaskID, u, "step_status")
}

func (h *Hub) publishWorkflowStatus(u WorkflowStatusUpdate) {
	deliver(h, &h.workflow, u.TaskID, u, "workflow_status")
}

type registry[T any] struct {
	byTask map[domain.TaskID]map[uint64]func(T)
	all    map[uint64]func(T)
}

func newRegistry[T any]() registry[T] {
	return registry[T]{
		byTask: make(map[domain.TaskID]map[uint64]func(T)),
		all:    make(map[uint64]func(T)),
	}
}

func subscribe[T any](h *Hub, reg *registry[T], id domain.TaskID, all bool, fn func(T)) *Subscription {
	if fn == nil {
		return &Subscription{}
	}

	h.mu.Lock()
	h.nextID++
	subID := h.nextID
	if all {
		reg.all[subID] = fn
	} else {
		subs, ok := reg.byTask[id]
		if !ok {
			subs = make(map[uint64]func(T), 2)
			reg.byTask[id] = subs
		}
		subs[subID] = fn
	}
	h.mu.Unlock()

	return &Subscription{release: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if all {
			delete(reg.all, subID)
			return
		}
		subs, ok := reg.byTask[id]
		if !ok {
			return
		}
		delete(subs, subID)
		if len(subs) == 0 {
			delete(reg.byTask, id)
		}
	}}
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

func deliver[T any](h *Hub, reg *registry[T], id domain.TaskID, update T, kind string) {
	h.mu.Lock()
	subs := make([]subscriber[T], 0, len(reg.byTask[id])+len(reg.all))
	for subID, fn := range reg.byTask[id] {
		subs = append(subs, subscriber[T]{id: subID, fn: fn})
	}
	for subID, fn := range reg.all {
		subs = append(subs, subscriber[T]{id: subID, fn: fn})
	}
	h.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, sub := range subs {
		if !stillSubscribed(h, reg, id, sub.id) {
			continue
		}
		h.call(kind, id, func() { sub.fn(update) })
	}
}

// stillSubscribed lets a callback that unsubscribes another subscriber stop
// that subscriber's delivery within the same publish.
func stillSubscribed[T any](h *Hub, reg *registry[T], id domain.TaskID, subID uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return reg.has(id, subID)
}

func (r *registry[T]) has(id domain.TaskID, subID uint64) bool {
	if _, ok := r.all[subID]; ok {
		return true
	}
	_, ok := r.byTask[id][subID]
	return ok
}

func (h *Hub) call(kind string, id domain.TaskID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber panicked", "kind", kind, "task_id", id, "panic", r)
		}
	}()
	fn()
}

// Scope groups subscriptions that share a lifetime. Close releases all of
// them; it is safe to defer on every exit path.
type Scope struct {
	hub *Hub

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

func (h *Hub) NewScope() *Scope {
	return &Scope{hub: h}
}

func (s *Scope) track(sub *Subscription) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.Unsubscribe()
		return sub
	}
	s.subs = append(s.subs, sub)
	return sub
}

func (s *Scope) OnStepProgress(id domain.TaskID, fn func(StepProgressUpdate)) *Subscription {
	return s.track(s.hub.OnStepProgress(id, fn))
}

func (s *Scope) OnStepStatus(id domain.TaskID, fn func(StepStatusUpdate)) *Subscription {
	return s.track(s.hub.OnStepStatus(id, fn))
}

func (s *Scope) OnWorkflowStatus(id domain.TaskID, fn func(WorkflowStatusUpdate)) *Subscription {
	return s.track(s.hub.OnWorkflowStatus(id, fn))
}

func (s *Scope) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
