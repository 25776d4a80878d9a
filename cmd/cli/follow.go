// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/governance-tracker/internal/config"
	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/adiadia/governance-tracker/internal/tracker"
)

const followPollInterval = 200 * time.Millisecond

var errStreamClosed = errors.New("stream closed before the workflow ended")

func newService(cfg config.Config, opts *rootOptions, logger *slog.Logger) *tracker.Service {
	header := http.Header{}
	if token := strings.TrimSpace(opts.token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	policy, _ := tracker.ParseContinuePolicy(cfg.ContinuePolicy)

	return tracker.NewService(tracker.Deps{
		BaseURL:              opts.baseURL,
		Header:               header,
		Logger:               logger,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectInterval:    cfg.ReconnectInterval,
		ContinuePolicy:       policy,
	})
}

// follower prints the updates of one task. A start stream learns its task
// from the first status update, so step subscriptions are attached lazily.
type follower struct {
	svc   *tracker.Service
	scope *tracker.Scope
	all   *tracker.Subscription

	mu   sync.Mutex
	out  io.Writer
	task domain.TaskID
	done chan domain.ExecutionSummary
	once sync.Once
}

func newFollower(svc *tracker.Service, out io.Writer) *follower {
	f := &follower{
		svc:   svc,
		scope: svc.Hub().NewScope(),
		out:   out,
		done:  make(chan domain.ExecutionSummary, 1),
	}
	f.all = svc.Hub().OnAllWorkflowStatus(f.onWorkflowStatus)
	return f
}

func (f *follower) attach(id domain.TaskID) {
	f.mu.Lock()
	if f.task != "" {
		f.mu.Unlock()
		return
	}
	f.task = id
	f.mu.Unlock()

	f.scope.OnStepProgress(id, func(u tracker.StepProgressUpdate) {
		if u.TotalRecords > 0 {
			f.printf("  %-20s %3d%%  %d/%d records\n", u.StepID, u.Progress, u.ProcessedRecords, u.TotalRecords)
			return
		}
		f.printf("  %-20s %3d%%\n", u.StepID, u.Progress)
	})
	f.scope.OnStepStatus(id, func(u tracker.StepStatusUpdate) {
		if u.Step.Error != "" {
			f.printf("  %-20s %s: %s\n", u.Step.ID, u.Step.Status, u.Step.Error)
			return
		}
		f.printf("  %-20s %s\n", u.Step.ID, u.Step.Status)
	})
}

func (f *follower) onWorkflowStatus(u tracker.WorkflowStatusUpdate) {
	f.attach(u.TaskID)

	f.mu.Lock()
	mine := u.TaskID == f.task
	f.mu.Unlock()
	if !mine {
		return
	}

	if u.Error != "" {
		f.printf("workflow %s %s (%d%%): %s\n", u.TaskID, u.Status, u.Progress, u.Error)
	} else {
		f.printf("workflow %s %s (%d%%)\n", u.TaskID, u.Status, u.Progress)
	}
	if u.Status.IsTerminal() {
		f.once.Do(func() { f.done <- u })
	}
}

func (f *follower) printf(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = fmt.Fprintf(f.out, format, args...)
}

// Wait blocks until the followed workflow ends, its stream goes away, or ctx
// is done. On ctx end the workflow is stopped locally.
func (f *follower) Wait(ctx context.Context) (domain.ExecutionSummary, error) {
	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		select {
		case summary := <-f.done:
			return summary, nil
		case <-ctx.Done():
			f.mu.Lock()
			id := f.task
			f.mu.Unlock()
			if id != "" {
				f.svc.StopWorkflow(id)
			}
			return domain.ExecutionSummary{}, ctx.Err()
		case <-ticker.C:
			if f.svc.Active() > 0 {
				continue
			}
			select {
			case summary := <-f.done:
				return summary, nil
			default:
				return domain.ExecutionSummary{}, errStreamClosed
			}
		}
	}
}

func (f *follower) Close() {
	f.all.Unsubscribe()
	f.scope.Close()
}
