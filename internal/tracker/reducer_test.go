// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"testing"

	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/adiadia/governance-tracker/internal/message"
)

func decodeAll(t *testing.T, raws ...string) []message.Message {
	t.Helper()
	out := make([]message.Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := message.Decode([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestReducerPreservesOrder(t *testing.T) {
	store := newTestStore()
	hub := NewHub(discardLogger())
	r := NewReducer(store, hub, discardLogger())

	var statuses []domain.ExecutionStatus
	hub.OnWorkflowStatus("T", func(u WorkflowStatusUpdate) { statuses = append(statuses, u.Status) })

	msgs := decodeAll(t,
		`{"taskId":"T","executionStatus":"start"}`,
		`{"taskId":"T","executionStatus":"processing","stepId":"data_cleansing","progress":10}`,
		`{"taskId":"T","executionStatus":"processing","stepId":"data_cleansing","progress":40}`,
		`{"taskId":"T","executionStatus":"end"}`,
	)

	var last Effect
	for i, msg := range msgs {
		last = r.Apply(msg)
		if !last.Applied {
			t.Fatalf("expected message %d to apply", i)
		}
		if i < len(msgs)-1 && last.Status.IsTerminal() {
			t.Fatalf("execution finished early at message %d: %s", i, last.Status)
		}
	}
	if !last.Ended || last.Status != domain.ExecutionCompleted {
		t.Fatalf("expected end to complete the execution, got %+v", last)
	}

	log, _ := store.Messages("T", 0)
	if len(log) != 4 {
		t.Fatalf("expected 4 logged messages, got %d", len(log))
	}
	want := []string{"start", "processing", "processing", "end"}
	for i, m := range log {
		if m.ExecutionStatus != want[i] || m.Seq != int64(i+1) {
			t.Fatalf("log[%d] = %+v, want status %s", i, m, want[i])
		}
	}

	if statuses[len(statuses)-1] != domain.ExecutionCompleted {
		t.Fatalf("expected last published status completed, got %v", statuses)
	}
	for _, st := range statuses[:len(statuses)-1] {
		if st == domain.ExecutionCompleted {
			t.Fatalf("completed published before end: %v", statuses)
		}
	}
}

func TestReducerStartedConfiguresSteps(t *testing.T) {
	store := newTestStore()
	r := NewReducer(store, NewHub(discardLogger()), discardLogger())

	eff := r.Apply(decodeAll(t, `{"taskId":"T","executionStatus":"start","steps":[
		{"id":"data_cleansing","enabled":true},
		{"id":"data_load","enabled":false}
	]}`)[0])
	if !eff.Started || eff.Status != domain.ExecutionStarting {
		t.Fatalf("unexpected effect: %+v", eff)
	}

	exec, _ := store.Get("T")
	if len(exec.Steps) != 2 || exec.Steps[1].Enabled {
		t.Fatalf("expected announced steps, got %+v", exec.Steps)
	}
}

func TestReducerBridgesIdleStepToCompleted(t *testing.T) {
	store := newTestStore()
	hub := NewHub(discardLogger())
	r := NewReducer(store, hub, discardLogger())

	var seen []domain.StepStatus
	hub.OnStepStatus("T", func(u StepStatusUpdate) { seen = append(seen, u.Step.Status) })

	r.Apply(decodeAll(t, `{"taskId":"T","executionStatus":"processing","stepId":"deduplication","status":"completed"}`)[0])

	if len(seen) != 2 || seen[0] != domain.StepRunning || seen[1] != domain.StepCompleted {
		t.Fatalf("expected running then completed, got %v", seen)
	}
	step, _ := store.Step("T", domain.StepDeduplication)
	if step.Progress != 100 || step.EndTime == nil {
		t.Fatalf("unexpected completed step: %+v", step)
	}
}

func TestReducerStepErrorKeepsExecutionRunning(t *testing.T) {
	store := newTestStore()
	r := NewReducer(store, NewHub(discardLogger()), discardLogger())

	msgs := decodeAll(t,
		`{"taskId":"T","executionStatus":"processing","stepId":"normalization","progress":20}`,
		`{"taskId":"T","executionStatus":"processing","stepId":"normalization","status":"error","error":"bad rows"}`,
	)
	r.Apply(msgs[0])
	eff := r.Apply(msgs[1])

	if eff.Ended || eff.Status != domain.ExecutionRunning {
		t.Fatalf("expected execution to keep running, got %+v", eff)
	}
	step, _ := store.Step("T", domain.StepNormalization)
	if step.Status != domain.StepError || step.Error != "bad rows" || step.Progress != 20 {
		t.Fatalf("unexpected errored step: %+v", step)
	}
}

func TestReducerIgnoresMessagesAfterEnd(t *testing.T) {
	store := newTestStore()
	r := NewReducer(store, NewHub(discardLogger()), discardLogger())

	msgs := decodeAll(t,
		`{"taskId":"T","executionStatus":"end","status":"error","error":"boom"}`,
		`{"taskId":"T","executionStatus":"processing","stepId":"data_load","progress":50}`,
	)
	first := r.Apply(msgs[0])
	if first.Status != domain.ExecutionError {
		t.Fatalf("expected error status, got %s", first.Status)
	}
	if eff := r.Apply(msgs[1]); eff.Applied {
		t.Fatalf("expected late message to be dropped")
	}
	log, _ := store.Messages("T", 0)
	if len(log) != 1 {
		t.Fatalf("expected only the end message logged, got %d", len(log))
	}
}

func TestReducerCancel(t *testing.T) {
	store := newTestStore()
	hub := NewHub(discardLogger())
	r := NewReducer(store, hub, discardLogger())

	var last WorkflowStatusUpdate
	hub.OnWorkflowStatus("T", func(u WorkflowStatusUpdate) { last = u })

	r.Apply(decodeAll(t, `{"taskId":"T","executionStatus":"processing","stepId":"data_load","progress":50}`)[0])

	if !r.Cancel("T") {
		t.Fatalf("expected cancel to apply")
	}
	if last.Status != domain.ExecutionCancelled || last.EndTime == nil {
		t.Fatalf("unexpected cancel update: %+v", last)
	}
	if r.Cancel("T") {
		t.Fatalf("expected second cancel to be refused")
	}
	if r.Cancel("unknown") {
		t.Fatalf("expected cancel of unknown task to be refused")
	}
}
