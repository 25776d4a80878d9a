// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/adiadia/governance-tracker/internal/sse"
	"github.com/adiadia/governance-tracker/internal/tracker"
)

// Tracker is the live side of the API, implemented by *tracker.Service.
type Tracker interface {
	StartWorkflow(ctx context.Context, cfg tracker.WorkflowConfig) bool
	ContinueWorkflow(ctx context.Context, id domain.TaskID, cfg tracker.WorkflowConfig) bool
	WatchProgress(ctx context.Context, id domain.TaskID) bool
	StopWorkflow(id domain.TaskID) bool
	ConnectionState(id domain.TaskID) sse.State

	Get(id domain.TaskID) (domain.WorkflowExecution, bool)
	List() []domain.WorkflowExecution
	Messages(id domain.TaskID, afterSeq int64) ([]domain.ExecutionMessage, bool)
	Progress(id domain.TaskID) (tracker.Progress, bool)
	Remove(id domain.TaskID) bool
	CleanupCompleted(keep int) []domain.TaskID

	Hub() *tracker.Hub
}

// ArchiveReader serves finished executions that left memory.
type ArchiveReader interface {
	ListArchived(ctx context.Context, limit int) ([]domain.ExecutionSummary, error)
	GetArchived(ctx context.Context, id domain.TaskID) (domain.WorkflowExecution, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
