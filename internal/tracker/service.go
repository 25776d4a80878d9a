// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/adiadia/governance-tracker/internal/message"
	"github.com/adiadia/governance-tracker/internal/metrics"
	"github.com/adiadia/governance-tracker/internal/sse"
)

// ContinuePolicy decides what ContinueWorkflow and WatchProgress do when the
// task already has a live connection.
type ContinuePolicy int

const (
	// ContinueRejectActive leaves the live connection alone and reports false.
	ContinueRejectActive ContinuePolicy = iota
	// ContinueReplaceActive disconnects the live connection and opens a new one.
	ContinueReplaceActive
)

func ParseContinuePolicy(raw string) (ContinuePolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "reject":
		return ContinueRejectActive, true
	case "replace":
		return ContinueReplaceActive, true
	default:
		return ContinueRejectActive, false
	}
}

type StepConfig struct {
	ID          domain.StepID `json:"id"`
	Enabled     bool          `json:"enabled"`
	IsAutomatic bool          `json:"isAutomatic"`
}

// WorkflowConfig is the request body sent to the governance server when a
// run is started or continued.
type WorkflowConfig struct {
	Steps  []StepConfig   `json:"steps,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

type Deps struct {
	// BaseURL is the governance API root, e.g. http://host:9000/api.
	BaseURL    string
	HTTPClient *http.Client
	Header     http.Header

	Store  *Store
	Hub    *Hub
	Logger *slog.Logger

	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	ContinuePolicy       ContinuePolicy

	// OnWorkflowStarted runs on the connection goroutine for every start
	// message applied.
	OnWorkflowStarted func(domain.TaskID)
	// OnConnectionState runs on every state change of a connection bound to
	// a task.
	OnConnectionState func(domain.TaskID, sse.State)
}

// Progress is the overall view of one execution.
type Progress struct {
	TaskID           domain.TaskID          `json:"task_id"`
	Status           domain.ExecutionStatus `json:"status"`
	Overall          int                    `json:"overall"`
	ProcessedRecords int64                  `json:"processed_records"`
	TotalRecords     int64                  `json:"total_records"`
}

// Service owns the governance connections and routes their messages into the
// store. It is safe for concurrent use.
type Service struct {
	baseURL string
	client  *http.Client
	header  http.Header

	store   *Store
	hub     *Hub
	reducer *Reducer
	logger  *slog.Logger

	maxAttempts int
	interval    time.Duration
	policy      ContinuePolicy
	onStarted   func(domain.TaskID)
	onConnState func(domain.TaskID, sse.State)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*connection
	byTask map[domain.TaskID]*connection
	states map[domain.TaskID]sse.State
	closed bool
}

// connection is one governance stream. taskID is empty for a start stream
// until its first message names the task. Fields are guarded by Service.mu.
type connection struct {
	id     string
	kind   string
	taskID domain.TaskID
	state  sse.State

	conn           *sse.Conn
	closeRequested bool
	// pending is the start config, applied once the task id is known.
	pending []StepConfig
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := deps.Store
	if store == nil {
		store = NewStore(StoreOptions{Logger: logger})
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		baseURL:     strings.TrimRight(strings.TrimSpace(deps.BaseURL), "/"),
		client:      client,
		header:      deps.Header.Clone(),
		store:       store,
		hub:         hub,
		reducer:     NewReducer(store, hub, logger),
		logger:      logger,
		maxAttempts: deps.MaxReconnectAttempts,
		interval:    deps.ReconnectInterval,
		policy:      deps.ContinuePolicy,
		onStarted:   deps.OnWorkflowStarted,
		onConnState: deps.OnConnectionState,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[string]*connection),
		byTask:      make(map[domain.TaskID]*connection),
		states:      make(map[domain.TaskID]sse.State),
	}
}

func (s *Service) Store() *Store { return s.store }
func (s *Service) Hub() *Hub     { return s.hub }

// StartWorkflow asks the governance server to start a run and follows its
// stream. The task id is learned from the first message. It reports whether
// the connection attempt was initiated.
func (s *Service) StartWorkflow(ctx context.Context, cfg WorkflowConfig) bool {
	body, err := json.Marshal(cfg)
	if err != nil {
		s.logger.Error("encode workflow config", "error", err)
		return false
	}
	return s.open(ctx, "start", "", http.MethodPost, s.baseURL+"/task/process/start", body, cfg.Steps)
}

// ContinueWorkflow resumes a paused or failed run. Finished executions are
// not continued.
func (s *Service) ContinueWorkflow(ctx context.Context, id domain.TaskID, cfg WorkflowConfig) bool {
	if !s.prepareResume(id) {
		return false
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		s.logger.Error("encode workflow config", "task_id", id, "error", err)
		return false
	}
	s.applyStepConfig(id, cfg.Steps)
	return s.open(ctx, "continue", id, http.MethodPost, s.baseURL+"/task/process/continue/"+url.PathEscape(id.String()), body, nil)
}

// WatchProgress follows an existing run without driving it.
func (s *Service) WatchProgress(ctx context.Context, id domain.TaskID) bool {
	if !s.prepareResume(id) {
		return false
	}
	return s.open(ctx, "watch", id, http.MethodGet, s.baseURL+"/task/sse/progress/"+url.PathEscape(id.String()), nil, nil)
}

// prepareResume applies the continue policy for id and forgets an earlier
// removal, since the caller asked for the task explicitly.
func (s *Service) prepareResume(id domain.TaskID) bool {
	if id == "" {
		return false
	}
	if summary, ok := s.store.Summary(id); ok && summary.Status.IsTerminal() {
		s.logger.Info("resume of finished execution refused", "task_id", id, "status", summary.Status)
		return false
	}

	s.mu.Lock()
	live := s.byTask[id]
	s.mu.Unlock()

	if live != nil {
		if s.policy == ContinueRejectActive {
			s.logger.Info("resume refused, connection active", "task_id", id)
			return false
		}
		s.logger.Info("replacing active connection", "task_id", id, "connection_id", live.id)
		s.disconnect(live)
	}

	s.store.Revive(id)
	s.store.Initialize(id)
	return true
}

// applyStepConfig makes the run's step list follow cfg. Before any step has
// started the configured steps replace the list; afterwards only the enabled
// and automatic flags of known steps change.
func (s *Service) applyStepConfig(id domain.TaskID, cfg []StepConfig) {
	if len(cfg) == 0 {
		return
	}
	s.store.Initialize(id)
	exec, ok := s.store.Get(id)
	if !ok {
		return
	}
	if s.store.ConfigureSteps(id, configuredSteps(exec.Steps, cfg)) {
		return
	}
	s.applyStepFlags(id, cfg)
}

func (s *Service) applyStepFlags(id domain.TaskID, cfg []StepConfig) {
	for _, st := range cfg {
		if !s.store.SetStepEnabled(id, st.ID, st.Enabled, st.IsAutomatic) {
			s.logger.Debug("step config ignored", "task_id", id, "step_id", st.ID)
		}
	}
}

// configuredSteps orders and flags steps as cfg says. Titles and
// descriptions come from current when it knows the step id.
func configuredSteps(current []domain.WorkflowStep, cfg []StepConfig) []domain.WorkflowStep {
	known := make(map[domain.StepID]domain.WorkflowStep, len(current))
	for _, st := range current {
		known[st.ID] = st
	}

	steps := make([]domain.WorkflowStep, 0, len(cfg))
	for _, c := range cfg {
		st, ok := known[c.ID]
		if !ok {
			st = domain.WorkflowStep{ID: c.ID, Status: domain.StepIdle, Resumable: true}
		}
		st.Enabled = c.Enabled
		st.IsAutomatic = c.IsAutomatic
		steps = append(steps, st)
	}
	return steps
}

func (s *Service) open(ctx context.Context, kind string, id domain.TaskID, method, rawURL string, body []byte, steps []StepConfig) bool {
	if ctx.Err() != nil {
		return false
	}

	c := &connection{
		id:      uuid.NewString(),
		kind:    kind,
		taskID:  id,
		state:   sse.StateDisconnected,
		pending: steps,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.conns[c.id] = c
	if id != "" {
		s.byTask[id] = c
	}
	s.mu.Unlock()

	conn, err := sse.Connect(s.ctx, sse.Options{
		URL:    rawURL,
		Method: method,
		Body:   body,
		Header: s.header,
		OnOpen: func() {
			s.logger.Info("governance stream open", "kind", kind, "task_id", s.taskOf(c), "connection_id", c.id)
		},
		OnMessage: func(ev sse.Event) { s.handleEvent(c, ev) },
		OnError: func(err error) {
			s.logger.Warn("governance stream error", "task_id", s.taskOf(c), "connection_id", c.id, "error", err)
		},
		OnClose:       func() { s.release(c) },
		OnStateChange: func(state sse.State) { s.handleState(c, state) },
		OnMaxReconnectAttemptsReached: func(attempts int) {
			s.logger.Error("governance stream gave up", "task_id", s.taskOf(c), "connection_id", c.id, "attempts", attempts)
		},
		MaxReconnectAttempts: s.maxAttempts,
		ReconnectInterval:    s.interval,
		HTTPClient:           s.client,
		Logger:               s.logger.With("connection_id", c.id),
	})
	if err != nil {
		s.logger.Error("open governance stream", "kind", kind, "task_id", id, "error", err)
		s.release(c)
		return false
	}

	s.mu.Lock()
	c.conn = conn
	pending := c.closeRequested
	active := len(s.conns)
	s.mu.Unlock()

	metrics.SetActiveConnections(active)
	if pending {
		conn.Disconnect()
	}
	return true
}

func (s *Service) handleEvent(c *connection, ev sse.Event) {
	msg, err := message.Decode(ev.Data)
	if err != nil {
		metrics.IncMessagesDiscarded(discardReason(err))
		s.logger.Warn("execution message discarded", "connection_id", c.id, "error", err)
		return
	}

	id := msg.Meta().TaskID
	if !s.bind(c, id) {
		metrics.IncMessagesDiscarded("foreign_task")
		s.logger.Warn("message for another task discarded",
			"connection_id", c.id,
			"task_id", s.taskOf(c),
			"message_task_id", id,
		)
		return
	}

	s.mu.Lock()
	steps := c.pending
	c.pending = nil
	s.mu.Unlock()
	if steps != nil {
		s.applyStepConfig(id, steps)
	}

	eff := s.reducer.Apply(msg)
	if eff.Started && steps != nil {
		// A server step list replaces ours; the user's flags still hold.
		s.applyStepFlags(id, steps)
	}
	if eff.Started && s.onStarted != nil {
		s.safeCall("workflow_started", id, func() { s.onStarted(id) })
	}
	if eff.Ended {
		s.disconnect(c)
	}
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, message.ErrMissingTaskID):
		return "missing_task_id"
	case errors.Is(err, message.ErrMissingExecutionStatus):
		return "missing_execution_status"
	default:
		return "malformed"
	}
}

// bind ties a start stream to the first task it reports. It returns false
// when id belongs to a different task than the connection's.
func (s *Service) bind(c *connection, id domain.TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.taskID != "" {
		return c.taskID == id
	}
	c.taskID = id
	s.byTask[id] = c
	s.states[id] = c.state
	return true
}

func (s *Service) handleState(c *connection, state sse.State) {
	s.mu.Lock()
	prev := c.state
	c.state = state
	id := c.taskID
	if id != "" && s.byTask[id] == c {
		s.states[id] = state
	}
	s.mu.Unlock()

	metrics.IncConnectionState(string(state))
	if prev == sse.StateError && state == sse.StateConnecting {
		metrics.IncReconnectAttempts()
	}
	if id != "" && s.onConnState != nil {
		s.safeCall("connection_state", id, func() { s.onConnState(id, state) })
	}
}

func (s *Service) release(c *connection) {
	s.mu.Lock()
	delete(s.conns, c.id)
	if c.taskID != "" && s.byTask[c.taskID] == c {
		delete(s.byTask, c.taskID)
	}
	active := len(s.conns)
	s.mu.Unlock()

	metrics.SetActiveConnections(active)
}

func (s *Service) disconnect(c *connection) {
	s.mu.Lock()
	c.closeRequested = true
	conn := c.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
}

func (s *Service) taskOf(c *connection) domain.TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.taskID
}

func (s *Service) safeCall(name string, id domain.TaskID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("callback panicked", "callback", name, "task_id", id, "panic", r)
		}
	}()
	fn()
}

// StopWorkflow closes the task's stream and marks a live execution
// cancelled. Applied state is kept. It reports whether anything changed.
func (s *Service) StopWorkflow(id domain.TaskID) bool {
	s.mu.Lock()
	c := s.byTask[id]
	s.mu.Unlock()

	stopped := false
	if c != nil {
		s.disconnect(c)
		stopped = true
	}
	if s.reducer.Cancel(id) {
		stopped = true
	}
	if stopped {
		s.logger.Info("workflow stopped", "task_id", id)
	}
	return stopped
}

// ConnectionState is the last known state of the task's stream.
func (s *Service) ConnectionState(id domain.TaskID) sse.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.states[id]; ok {
		return state
	}
	return sse.StateDisconnected
}

// Active is the number of open governance connections.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Service) Get(id domain.TaskID) (domain.WorkflowExecution, bool) {
	return s.store.Get(id)
}

func (s *Service) List() []domain.WorkflowExecution {
	return s.store.List()
}

// Ended returns the executions that reached a terminal status.
func (s *Service) Ended() []domain.WorkflowExecution {
	return s.store.Ended()
}

func (s *Service) Messages(id domain.TaskID, afterSeq int64) ([]domain.ExecutionMessage, bool) {
	return s.store.Messages(id, afterSeq)
}

func (s *Service) Progress(id domain.TaskID) (Progress, bool) {
	summary, ok := s.store.Summary(id)
	if !ok {
		return Progress{}, false
	}
	overall, _ := s.store.OverallProgress(id)
	processed, total, _ := s.store.ProcessedTotals(id)
	return Progress{
		TaskID:           id,
		Status:           summary.Status,
		Overall:          overall,
		ProcessedRecords: processed,
		TotalRecords:     total,
	}, true
}

// Remove stops tracking id: its stream is closed, the record dropped and its
// subscribers released.
func (s *Service) Remove(id domain.TaskID) bool {
	s.mu.Lock()
	c := s.byTask[id]
	s.mu.Unlock()

	if c != nil {
		s.disconnect(c)
	}

	s.mu.Lock()
	delete(s.states, id)
	s.mu.Unlock()

	removed := s.store.Remove(id)
	s.hub.ReleaseTask(id)
	return removed
}

// CleanupCompleted evicts all but the keep most recently ended executions.
func (s *Service) CleanupCompleted(keep int) []domain.TaskID {
	evicted := s.store.CleanupCompleted(keep)
	if len(evicted) == 0 {
		return evicted
	}

	s.mu.Lock()
	for _, id := range evicted {
		delete(s.states, id)
	}
	s.mu.Unlock()

	for _, id := range evicted {
		s.hub.ReleaseTask(id)
	}
	metrics.AddExecutionsEvicted(len(evicted))
	return evicted
}

// Close disconnects every stream and waits for their loops to exit. It must
// not be called from a connection callback.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	open := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		s.disconnect(c)
	}
	s.cancel()

	for _, c := range open {
		s.mu.Lock()
		conn := c.conn
		s.mu.Unlock()
		if conn != nil {
			<-conn.Done()
		}
	}
}
