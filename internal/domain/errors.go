// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrInvalidTaskID = errors.New("invalid task id")
var ErrExecutionNotFound = errors.New("execution not found")
var ErrExecutionFinished = errors.New("execution already finished")
var ErrInvalidStepTransition = errors.New("invalid step status transition")
var ErrConnectionActive = errors.New("task already has an active connection")
