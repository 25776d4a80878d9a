// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/adiadia/governance-tracker/internal/sse"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeEvents(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, ev := range events {
		fmt.Fprintf(w, "data: %s\n\n", ev)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func newTestService(t *testing.T, baseURL string, policy ContinuePolicy) *Service {
	t.Helper()
	svc := NewService(Deps{
		BaseURL:              baseURL,
		Store:                newTestStore(),
		Logger:               discardLogger(),
		MaxReconnectAttempts: -1,
		ReconnectInterval:    10 * time.Millisecond,
		ContinuePolicy:       policy,
	})
	t.Cleanup(svc.Close)
	return svc
}

func TestServiceStartWorkflowFollowsStream(t *testing.T) {
	var gotBody WorkflowConfig
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/task/process/start" {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		writeEvents(w,
			`{"taskId":"T1","executionStatus":"start"}`,
			`not json`,
			`{"taskId":"T1","executionStatus":"processing","stepId":"data_cleansing","progress":50,"processedRecords":5,"totalRecords":10}`,
			`{"taskId":"T1","executionStatus":"end"}`,
		)
	}))
	defer srv.Close()

	var started atomic.Int32
	svc := NewService(Deps{
		BaseURL:              srv.URL + "/api/",
		Store:                newTestStore(),
		Logger:               discardLogger(),
		MaxReconnectAttempts: -1,
		OnWorkflowStarted:    func(domain.TaskID) { started.Add(1) },
	})
	defer svc.Close()

	cfg := WorkflowConfig{Steps: []StepConfig{{ID: domain.StepDataCleansing, Enabled: true, IsAutomatic: true}}}
	if !svc.StartWorkflow(context.Background(), cfg) {
		t.Fatalf("expected start to be initiated")
	}

	waitFor(t, "execution to complete", func() bool {
		summary, ok := svc.Store().Summary("T1")
		return ok && summary.Status == domain.ExecutionCompleted
	})
	waitFor(t, "connection to close", func() bool {
		return svc.ConnectionState("T1") == sse.StateDisconnected
	})
	waitFor(t, "connection to be released", func() bool { return svc.Active() == 0 })

	if started.Load() != 1 {
		t.Fatalf("expected one start callback, got %d", started.Load())
	}
	if len(gotBody.Steps) != 1 || gotBody.Steps[0].ID != domain.StepDataCleansing {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
	msgs, _ := svc.Messages("T1", 0)
	if len(msgs) != 3 {
		t.Fatalf("expected malformed message to be discarded, got %d logged", len(msgs))
	}
	progress, ok := svc.Progress("T1")
	if !ok || progress.ProcessedRecords != 5 || progress.TotalRecords != 10 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func pipelineConfig(disabled domain.StepID) []StepConfig {
	var cfg []StepConfig
	for _, st := range domain.DefaultPipeline() {
		cfg = append(cfg, StepConfig{ID: st.ID, Enabled: st.ID != disabled, IsAutomatic: st.IsAutomatic})
	}
	return cfg
}

func TestServiceStartAppliesStepConfig(t *testing.T) {
	events := []string{`{"taskId":"T1","executionStatus":"start"}`}
	for _, st := range domain.DefaultPipeline() {
		if st.ID == domain.StepDataMasking {
			continue
		}
		events = append(events, fmt.Sprintf(`{"taskId":"T1","executionStatus":"processing","stepId":%q,"progress":100}`, st.ID))
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w, events...)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	svc := newTestService(t, srv.URL, ContinueRejectActive)
	cfg := pipelineConfig(domain.StepDataMasking)
	cfg[0].IsAutomatic = false
	if !svc.StartWorkflow(context.Background(), WorkflowConfig{Steps: cfg}) {
		t.Fatalf("expected start to be initiated")
	}

	waitFor(t, "last step to report", func() bool {
		st, ok := svc.Store().Step("T1", domain.StepDataValidation)
		return ok && st.Progress == 100
	})

	progress, _ := svc.Progress("T1")
	if progress.Overall != 100 {
		t.Fatalf("expected disabled step to be left out of overall progress, got %d", progress.Overall)
	}
	masking, ok := svc.Store().Step("T1", domain.StepDataMasking)
	if !ok || masking.Enabled {
		t.Fatalf("expected data masking to be disabled, got %+v", masking)
	}
	first, _ := svc.Store().Step("T1", cfg[0].ID)
	if first.IsAutomatic {
		t.Fatalf("expected automatic flag to follow the config")
	}
	if first.Title == "" {
		t.Fatalf("expected step titles to be kept")
	}
}

func TestServiceContinueAppliesStepFlags(t *testing.T) {
	var hits atomic.Int32
	srv := holdServer(t, &hits)
	defer srv.Close()

	svc := newTestService(t, srv.URL, ContinueRejectActive)
	store := svc.Store()
	store.Initialize("T5")
	store.UpdateStepProgress("T5", domain.StepDataCleansing, 100, 0, 0)

	if !svc.ContinueWorkflow(context.Background(), "T5", WorkflowConfig{Steps: pipelineConfig(domain.StepDataMasking)}) {
		t.Fatalf("expected continue to be initiated")
	}

	masking, _ := store.Step("T5", domain.StepDataMasking)
	if masking.Enabled {
		t.Fatalf("expected data masking to be disabled on resume")
	}
	exec, _ := store.Get("T5")
	if len(exec.Steps) != len(domain.DefaultPipeline()) || exec.Steps[0].Progress != 100 {
		t.Fatalf("expected existing steps to be kept, got %+v", exec.Steps)
	}
}

// holdServer streams one progress message per task and keeps the stream
// open until the client leaves.
func holdServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		id := r.URL.Path[len(r.URL.Path)-2:]
		writeEvents(w, fmt.Sprintf(`{"taskId":%q,"executionStatus":"processing","stepId":"data_load","progress":30}`, id))
		<-r.Context().Done()
	}))
}

func TestServiceContinueRejectsActiveConnection(t *testing.T) {
	var hits atomic.Int32
	srv := holdServer(t, &hits)
	t.Cleanup(srv.Close)

	svc := newTestService(t, srv.URL, ContinueRejectActive)

	if !svc.WatchProgress(context.Background(), "T2") {
		t.Fatalf("expected watch to be initiated")
	}
	waitFor(t, "watch to connect", func() bool {
		return svc.ConnectionState("T2") == sse.StateConnected
	})

	if svc.ContinueWorkflow(context.Background(), "T2", WorkflowConfig{}) {
		t.Fatalf("expected continue to be refused while a connection is active")
	}
	if svc.ConnectionState("T2") != sse.StateConnected {
		t.Fatalf("expected live connection to be left alone")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single server request, got %d", hits.Load())
	}
}

func TestServiceContinueReplacesActiveConnection(t *testing.T) {
	var hits atomic.Int32
	srv := holdServer(t, &hits)
	t.Cleanup(srv.Close)

	svc := newTestService(t, srv.URL, ContinueReplaceActive)

	if !svc.WatchProgress(context.Background(), "T3") {
		t.Fatalf("expected watch to be initiated")
	}
	waitFor(t, "watch to connect", func() bool {
		return svc.ConnectionState("T3") == sse.StateConnected
	})

	if !svc.ContinueWorkflow(context.Background(), "T3", WorkflowConfig{}) {
		t.Fatalf("expected continue to replace the connection")
	}
	waitFor(t, "second request", func() bool { return hits.Load() == 2 })
	waitFor(t, "continue to connect", func() bool {
		return svc.ConnectionState("T3") == sse.StateConnected
	})
}

func TestServiceContinueRefusesFinishedExecution(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1", ContinueRejectActive)

	store := svc.Store()
	store.Initialize("T4")
	summary, _ := store.Summary("T4")
	summary.Status = domain.ExecutionCompleted
	store.UpdateWorkflowStatus("T4", summary)

	if svc.ContinueWorkflow(context.Background(), "T4", WorkflowConfig{}) {
		t.Fatalf("expected continue of finished execution to be refused")
	}
	if svc.WatchProgress(context.Background(), "") {
		t.Fatalf("expected watch without task id to be refused")
	}
}

func TestServiceStopWorkflowCancels(t *testing.T) {
	var hits atomic.Int32
	srv := holdServer(t, &hits)
	defer srv.Close()

	svc := newTestService(t, srv.URL, ContinueRejectActive)

	var mu sync.Mutex
	var last WorkflowStatusUpdate
	sub := svc.Hub().OnWorkflowStatus("T5", func(u WorkflowStatusUpdate) {
		mu.Lock()
		last = u
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	if !svc.WatchProgress(context.Background(), "T5") {
		t.Fatalf("expected watch to be initiated")
	}
	waitFor(t, "first progress", func() bool {
		step, ok := svc.Store().Step("T5", domain.StepDataLoad)
		return ok && step.Progress == 30
	})

	if !svc.StopWorkflow("T5") {
		t.Fatalf("expected stop to report a change")
	}
	waitFor(t, "connection to close", func() bool {
		return svc.ConnectionState("T5") == sse.StateDisconnected
	})

	exec, _ := svc.Get("T5")
	if exec.Status != domain.ExecutionCancelled {
		t.Fatalf("expected cancelled, got %s", exec.Status)
	}
	if exec.Steps[exec.StepIndex(domain.StepDataLoad)].Progress != 30 {
		t.Fatalf("expected applied progress to be kept")
	}
	mu.Lock()
	defer mu.Unlock()
	if last.Status != domain.ExecutionCancelled {
		t.Fatalf("expected cancel to be published, got %+v", last)
	}
}

func TestServiceRemoveReleasesTask(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1", ContinueRejectActive)

	svc.Store().Initialize("T6")
	svc.Hub().OnStepProgress("T6", func(StepProgressUpdate) {})

	if !svc.Remove("T6") {
		t.Fatalf("expected remove to report true")
	}
	if svc.Hub().Count("T6") != 0 {
		t.Fatalf("expected subscribers to be released")
	}
	if _, ok := svc.Get("T6"); ok {
		t.Fatalf("expected execution to be gone")
	}
}

func TestServiceCleanupCompleted(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1", ContinueRejectActive)
	store := svc.Store()

	for _, id := range []domain.TaskID{"a", "b", "c"} {
		store.Initialize(id)
		summary, _ := store.Summary(id)
		summary.Status = domain.ExecutionCompleted
		store.UpdateWorkflowStatus(id, summary)
	}

	evicted := svc.CleanupCompleted(1)
	if len(evicted) != 2 || store.Len() != 1 {
		t.Fatalf("unexpected eviction: %v, %d left", evicted, store.Len())
	}
}

func TestParseContinuePolicy(t *testing.T) {
	cases := map[string]ContinuePolicy{"": ContinueRejectActive, "reject": ContinueRejectActive, "Replace": ContinueReplaceActive}
	for raw, want := range cases {
		got, ok := ParseContinuePolicy(raw)
		if !ok || got != want {
			t.Fatalf("ParseContinuePolicy(%q) = %v, %v", raw, got, ok)
		}
	}
	if _, ok := ParseContinuePolicy("bogus"); ok {
		t.Fatalf("expected unknown policy to be rejected")
	}
}
