// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/adiadia/governance-tracker/internal/tracker"
)

const streamBufferSize = 256

// heartbeatInterval also bounds how long a stream outlives its removed task.
var heartbeatInterval = 15 * time.Second

// streamFrame is one queued SSE event for a client.
type streamFrame struct {
	event    string
	payload  any
	terminal bool
}

// streamEvents relays hub updates for one task to an HTTP client. The
// subscription is taken before the snapshot so nothing published in between
// is lost. A client that cannot keep up is disconnected.
func streamEvents(t Tracker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := taskIDParam(w, r)
		if !ok {
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		frames := make(chan streamFrame, streamBufferSize)
		overflow := make(chan struct{})
		var overflowOnce sync.Once
		push := func(f streamFrame) {
			select {
			case frames <- f:
			case <-overflow:
			default:
				overflowOnce.Do(func() { close(overflow) })
			}
		}

		scope := t.Hub().NewScope()
		defer scope.Close()

		scope.OnStepProgress(id, func(u tracker.StepProgressUpdate) {
			push(streamFrame{event: "step_progress", payload: u})
		})
		scope.OnStepStatus(id, func(u tracker.StepStatusUpdate) {
			push(streamFrame{event: "step_status", payload: u})
		})
		scope.OnWorkflowStatus(id, func(u tracker.WorkflowStatusUpdate) {
			push(streamFrame{event: "workflow_status", payload: u, terminal: u.Status.IsTerminal()})
		})

		exec, found := t.Get(id)
		if !found {
			http.Error(w, "workflow not found", http.StatusNotFound)
			return
		}
		exec.Messages = nil

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		var seq int64
		write := func(event string, payload any) error {
			data, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			seq++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, data); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		if err := write("snapshot", exec); err != nil {
			logger.Error("sse initial write failed", "task_id", id, "error", err)
			return
		}
		if exec.Status.IsTerminal() {
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-overflow:
				logger.Warn("sse client too slow, closing stream", "task_id", id)
				return
			case f := <-frames:
				if err := write(f.event, f.payload); err != nil {
					logger.Error("sse write failed", "task_id", id, "error", err)
					return
				}
				if f.terminal {
					return
				}
			case <-heartbeat.C:
				// Removal releases the task's subscriptions; nothing more
				// would arrive.
				if _, ok := t.Get(id); !ok {
					logger.Info("sse task removed, closing stream", "task_id", id)
					return
				}
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
