// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"testing"

	"github.com/adiadia/governance-tracker/internal/domain"
)

func TestHubDeliversInSubscriptionOrder(t *testing.T) {
	h := NewHub(discardLogger())

	var got []string
	h.OnStepProgress("task-1", func(StepProgressUpdate) { got = append(got, "first") })
	h.OnStepProgress("task-1", func(StepProgressUpdate) { got = append(got, "second") })
	h.OnStepProgress("task-2", func(StepProgressUpdate) { got = append(got, "other") })

	h.publishStepProgress(StepProgressUpdate{TaskID: "task-1", Progress: 10})

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(discardLogger())

	calls := 0
	sub := h.OnWorkflowStatus("task-1", func(WorkflowStatusUpdate) { calls++ })

	h.publishWorkflowStatus(WorkflowStatusUpdate{TaskID: "task-1", Status: domain.ExecutionRunning})
	sub.Unsubscribe()
	sub.Unsubscribe()
	h.publishWorkflowStatus(WorkflowStatusUpdate{TaskID: "task-1", Status: domain.ExecutionCompleted})

	if calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}
	if h.Count("task-1") != 0 {
		t.Fatalf("expected no subscribers left, got %d", h.Count("task-1"))
	}
}

func TestHubCallbackMayUnsubscribeOthers(t *testing.T) {
	h := NewHub(discardLogger())

	var second *Subscription
	secondCalls := 0
	h.OnStepStatus("task-1", func(StepStatusUpdate) { second.Unsubscribe() })
	second = h.OnStepStatus("task-1", func(StepStatusUpdate) { secondCalls++ })

	h.publishStepStatus(StepStatusUpdate{TaskID: "task-1"})

	if secondCalls != 0 {
		t.Fatalf("expected unsubscribed callback to be skipped, got %d calls", secondCalls)
	}
}

func TestHubRecoversSubscriberPanic(t *testing.T) {
	h := NewHub(discardLogger())

	delivered := false
	h.OnStepProgress("task-1", func(StepProgressUpdate) { panic("boom") })
	h.OnStepProgress("task-1", func(StepProgressUpdate) { delivered = true })

	h.publishStepProgress(StepProgressUpdate{TaskID: "task-1"})

	if !delivered {
		t.Fatalf("expected later subscribers to still receive the update")
	}
}

func TestHubAllWorkflowStatusSeesEveryTask(t *testing.T) {
	h := NewHub(discardLogger())

	var seen []domain.TaskID
	sub := h.OnAllWorkflowStatus(func(u WorkflowStatusUpdate) { seen = append(seen, u.TaskID) })
	defer sub.Unsubscribe()

	h.publishWorkflowStatus(WorkflowStatusUpdate{TaskID: "a"})
	h.publishWorkflowStatus(WorkflowStatusUpdate{TaskID: "b"})

	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("unexpected tasks seen: %v", seen)
	}
}

func TestScopeCloseReleasesAll(t *testing.T) {
	h := NewHub(discardLogger())

	scope := h.NewScope()
	calls := 0
	scope.OnStepProgress("task-1", func(StepProgressUpdate) { calls++ })
	scope.OnStepStatus("task-1", func(StepStatusUpdate) { calls++ })
	scope.OnWorkflowStatus("task-1", func(WorkflowStatusUpdate) { calls++ })

	if h.Count("task-1") != 3 {
		t.Fatalf("expected 3 subscribers, got %d", h.Count("task-1"))
	}

	scope.Close()
	scope.Close()

	h.publishStepProgress(StepProgressUpdate{TaskID: "task-1"})
	h.publishStepStatus(StepStatusUpdate{TaskID: "task-1"})
	h.publishWorkflowStatus(WorkflowStatusUpdate{TaskID: "task-1"})

	if calls != 0 {
		t.Fatalf("expected no deliveries after close, got %d", calls)
	}

	late := scope.OnStepProgress("task-1", func(StepProgressUpdate) { calls++ })
	h.publishStepProgress(StepProgressUpdate{TaskID: "task-1"})
	if calls != 0 || late == nil {
		t.Fatalf("expected subscriptions on a closed scope to be released immediately")
	}
}

func TestHubReleaseTask(t *testing.T) {
	h := NewHub(discardLogger())

	h.OnStepProgress("task-1", func(StepProgressUpdate) {})
	h.OnWorkflowStatus("task-1", func(WorkflowStatusUpdate) {})
	h.ReleaseTask("task-1")

	if h.Count("task-1") != 0 {
		t.Fatalf("expected release to drop all subscribers")
	}
}
