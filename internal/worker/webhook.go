// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/adiadia/governance-tracker/internal/metrics"
	"github.com/adiadia/governance-tracker/internal/tracker"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
)

type terminalWebhookPayload struct {
	TaskID     domain.TaskID          `json:"task_id"`
	Status     domain.ExecutionStatus `json:"status"`
	Progress   int                    `json:"progress"`
	FinishedAt time.Time              `json:"finished_at"`
}

// WatchTerminal posts a signed webhook for every execution that reaches a
// terminal status. Deliveries run in the background until ctx ends; Wait
// blocks until in-flight deliveries finish.
func (w *Worker) WatchTerminal(ctx context.Context, hub *tracker.Hub) *tracker.Subscription {
	if strings.TrimSpace(w.webhookURL) == "" || hub == nil {
		return &tracker.Subscription{}
	}

	return hub.OnAllWorkflowStatus(func(u tracker.WorkflowStatusUpdate) {
		if !u.Status.IsTerminal() {
			return
		}
		finishedAt := time.Now().UTC()
		if u.EndTime != nil {
			finishedAt = u.EndTime.UTC()
		}

		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			w.deliverTerminalWebhook(ctx, terminalWebhookPayload{
				TaskID:     u.TaskID,
				Status:     u.Status,
				Progress:   u.Progress,
				FinishedAt: finishedAt,
			})
		}()
	})
}

// Wait blocks until background webhook deliveries return.
func (w *Worker) Wait() {
	w.inflight.Wait()
}

func (w *Worker) deliverTerminalWebhook(ctx context.Context, payload terminalWebhookPayload) bool {
	webhookURL := strings.TrimSpace(w.webhookURL)
	if webhookURL == "" || w.httpClient == nil {
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("webhook payload marshal failed",
			"task_id", payload.TaskID,
			"status", payload.Status,
			"error", err,
		)
		return false
	}

	signature := signWebhookPayload(w.webhookSecret, body)
	retryBase := w.webhookRetryBase
	if retryBase <= 0 {
		retryBase = webhookRetryBase
	}

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			w.logger.Error("webhook request build failed",
				"task_id", payload.TaskID,
				"attempt", attempt,
				"error", err,
			)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook failure",
				"task_id", payload.TaskID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				w.logger.Info("webhook success",
					"task_id", payload.TaskID,
					"status", payload.Status,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				metrics.IncWebhookDelivery("delivered")
				return true
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			w.logger.Warn("webhook failure",
				"task_id", payload.TaskID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				w.logger.Warn("webhook canceled before retry",
					"task_id", payload.TaskID,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				metrics.IncWebhookDelivery("failed")
				return false
			case <-timer.C:
			}
		}
	}

	metrics.IncWebhookDelivery("failed")
	if lastErr != nil {
		w.logger.Error("webhook retries exhausted",
			"task_id", payload.TaskID,
			"status", payload.Status,
			"error", lastErr,
		)
	}
	return false
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
