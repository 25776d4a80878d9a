// SPDX-License-Identifier: Apache-2.0

package message

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adiadia/governance-tracker/internal/domain"
)

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want error
	}{
		{name: "empty", in: "", want: ErrMalformed},
		{name: "not json", in: "hello", want: ErrMalformed},
		{name: "array", in: `[1,2]`, want: ErrMalformed},
		{name: "broken object", in: `{"taskId":`, want: ErrMalformed},
		{name: "missing task id", in: `{"executionStatus":"start"}`, want: ErrMissingTaskID},
		{name: "blank task id", in: `{"taskId":"  ","executionStatus":"start"}`, want: ErrMissingTaskID},
		{name: "missing execution status", in: `{"taskId":"t-1","stepId":"data_load","progress":10}`, want: ErrMissingExecutionStatus},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.in))
			require.ErrorIs(t, err, tc.want)
			require.Nil(t, msg)
		})
	}
}

func TestDecodeStarted(t *testing.T) {
	msg, err := Decode([]byte(`{
		"taskId": "t-1",
		"executionStatus": "start",
		"steps": [
			{"id": "data_cleansing", "title": "Cleansing"},
			{"id": "data_masking", "enabled": false, "isAutomatic": false},
			{"title": "no id"}
		]
	}`))
	require.NoError(t, err)

	started, ok := msg.(Started)
	require.True(t, ok, "expected Started got %T", msg)
	require.Equal(t, KindStarted, started.Kind())
	require.Equal(t, domain.TaskID("t-1"), started.Meta().TaskID)
	require.Len(t, started.Steps, 2)
	require.True(t, started.Steps[0].Enabled)
	require.Equal(t, "Cleansing", started.Steps[0].Title)
	require.False(t, started.Steps[1].Enabled)
	require.False(t, started.Steps[1].IsAutomatic)
	require.Equal(t, "data_masking", started.Steps[1].Title)
}

func TestDecodeStepProgress(t *testing.T) {
	msg, err := Decode([]byte(`{"taskId":42,"executionStatus":"progress","stepId":"deduplication","progress":39.6,"processedRecords":396,"totalRecords":1000}`))
	require.NoError(t, err)

	progress, ok := msg.(StepProgress)
	require.True(t, ok, "expected StepProgress got %T", msg)
	require.Equal(t, domain.TaskID("42"), progress.TaskID)
	require.Equal(t, domain.StepID("deduplication"), progress.StepID)
	require.Equal(t, 40, progress.Progress)
	require.EqualValues(t, 396, progress.ProcessedRecords)
	require.EqualValues(t, 1000, progress.TotalRecords)
}

func TestDecodeStepProgressDerivesPercentFromRecords(t *testing.T) {
	msg, err := Decode([]byte(`{"taskId":"t","executionStatus":"running","stepId":"data_load","processedRecords":25,"totalRecords":200}`))
	require.NoError(t, err)

	progress := msg.(StepProgress)
	require.Equal(t, 12, progress.Progress)
}

func TestDecodeStepStatus(t *testing.T) {
	msg, err := Decode([]byte(`{"taskId":"t","executionStatus":"progress","stepId":"data_load","status":"success","progress":100}`))
	require.NoError(t, err)

	st, ok := msg.(StepStatus)
	require.True(t, ok, "expected StepStatus got %T", msg)
	require.Equal(t, domain.StepCompleted, st.Status)
	require.NotNil(t, st.Progress)
	require.Equal(t, 100, *st.Progress)
	require.Nil(t, st.ProcessedRecords)
}

func TestDecodeStepError(t *testing.T) {
	msg, err := Decode([]byte(`{"taskId":"t","executionStatus":"error","stepId":"standard_mapping","error":{"code":"E42","detail":"unmapped"}}`))
	require.NoError(t, err)

	st, ok := msg.(StepStatus)
	require.True(t, ok, "expected StepStatus got %T", msg)
	require.Equal(t, domain.StepError, st.Status)
	require.Equal(t, `{"code":"E42","detail":"unmapped"}`, st.Error)
}

func TestDecodeWorkflowEnded(t *testing.T) {
	cases := []struct {
		in   string
		want domain.ExecutionStatus
	}{
		{in: `{"taskId":"t","executionStatus":"end"}`, want: domain.ExecutionCompleted},
		{in: `{"taskId":"t","executionStatus":"end","status":"failed"}`, want: domain.ExecutionError},
		{in: `{"taskId":"t","executionStatus":"end","error":"boom"}`, want: domain.ExecutionError},
		{in: `{"taskId":"t","executionStatus":"error"}`, want: domain.ExecutionError},
		{in: `{"taskId":"t","executionStatus":"cancelled"}`, want: domain.ExecutionCancelled},
		{in: `{"taskId":"t","executionStatus":"completed"}`, want: domain.ExecutionCompleted},
	}

	for _, tc := range cases {
		msg, err := Decode([]byte(tc.in))
		require.NoError(t, err, tc.in)
		ended, ok := msg.(WorkflowEnded)
		require.True(t, ok, "%s: expected WorkflowEnded got %T", tc.in, msg)
		require.Equal(t, tc.want, ended.Status, tc.in)
	}
}

func TestDecodeCompletedWithStepIsStepStatus(t *testing.T) {
	msg, err := Decode([]byte(`{"taskId":"t","executionStatus":"completed","stepId":"data_load"}`))
	require.NoError(t, err)

	st, ok := msg.(StepStatus)
	require.True(t, ok, "expected StepStatus got %T", msg)
	require.Equal(t, domain.StepCompleted, st.Status)
}

func TestDecodeUnknown(t *testing.T) {
	msg, err := Decode([]byte(`{"taskId":"t","executionStatus":"heartbeat","message":"still alive"}`))
	require.NoError(t, err)

	unknown, ok := msg.(Unknown)
	require.True(t, ok, "expected Unknown got %T", msg)
	require.Equal(t, "still alive", unknown.Text)
	require.Equal(t, "heartbeat", unknown.ExecutionStatus)
	require.JSONEq(t, `{"taskId":"t","executionStatus":"heartbeat","message":"still alive"}`, string(unknown.Raw))
}
