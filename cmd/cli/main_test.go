// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiadia/governance-tracker/internal/domain"
)

func TestBuildWorkflowConfigDefaultsToPipeline(t *testing.T) {
	wf, err := buildWorkflowConfig(nil, []string{string(domain.StepDeduplication)}, []string{string(domain.StepDataLoad)})
	require.NoError(t, err)

	pipeline := domain.DefaultPipeline()
	require.Len(t, wf.Steps, len(pipeline))

	last := wf.Steps[len(wf.Steps)-1]
	assert.Equal(t, domain.StepDeduplication, last.ID)
	assert.False(t, last.Enabled)

	for _, st := range wf.Steps[:len(wf.Steps)-1] {
		assert.True(t, st.Enabled, "step %s", st.ID)
		assert.Equal(t, st.ID != domain.StepDataLoad, st.IsAutomatic, "step %s", st.ID)
	}
}

func TestBuildWorkflowConfigRejectsDuplicates(t *testing.T) {
	_, err := buildWorkflowConfig([]string{"a", "a"}, nil, nil)
	assert.Error(t, err)

	_, err = buildWorkflowConfig([]string{" "}, nil, nil)
	assert.Error(t, err)
}

func governanceServer(t *testing.T, final string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, ev := range []string{
			`{"taskId":"cli-1","executionStatus":"start"}`,
			`{"taskId":"cli-1","executionStatus":"processing","stepId":"data_cleansing","progress":50,"processedRecords":5,"totalRecords":10}`,
			final,
		} {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStartFollowsUntilCompleted(t *testing.T) {
	srv := governanceServer(t, `{"taskId":"cli-1","executionStatus":"end"}`)
	defer srv.Close()

	out, err := runCLI(t, "start", "--url", srv.URL, "--timeout", "5s", "--step", "data_cleansing")
	require.NoError(t, err)

	assert.Contains(t, out, "data_cleansing")
	assert.Contains(t, out, "5/10 records")
	assert.True(t, strings.Contains(out, "workflow cli-1 completed (100%)"), out)
}

func TestStartReportsFailedWorkflow(t *testing.T) {
	srv := governanceServer(t, `{"taskId":"cli-1","executionStatus":"end","status":"error","error":"quota exceeded"}`)
	defer srv.Close()

	out, err := runCLI(t, "start", "--url", srv.URL, "--timeout", "5s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error")
	assert.Contains(t, out, "quota exceeded")
}

func TestWatchRequiresTaskID(t *testing.T) {
	_, err := runCLI(t, "watch")
	assert.Error(t, err)

	_, err = runCLI(t, "watch", " ")
	assert.ErrorIs(t, err, domain.ErrInvalidTaskID)
}
