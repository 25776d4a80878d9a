// SPDX-License-Identifier: Apache-2.0

package domain

import "strings"

// TaskID identifies one workflow run. The governance server assigns it when
// the run starts.
type TaskID string

func ParseTaskID(raw string) (TaskID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrInvalidTaskID
	}
	return TaskID(id), nil
}

func (id TaskID) String() string {
	return string(id)
}
