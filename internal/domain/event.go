// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"
)

// ExecutionMessage is one raw message received for a task, kept for audit and
// replay. Seq is assigned by the store and increases by one per message.
type ExecutionMessage struct {
	Seq             int64           `json:"seq"`
	TaskID          TaskID          `json:"task_id"`
	ExecutionStatus string          `json:"execution_status"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
}
