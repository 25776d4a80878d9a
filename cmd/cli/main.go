// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adiadia/governance-tracker/internal/config"
	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/adiadia/governance-tracker/internal/logging"
	"github.com/adiadia/governance-tracker/internal/tracker"
)

type rootOptions struct {
	baseURL string
	token   string
	timeout time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "govtrack",
		Short:         "Start, resume and follow data governance workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "url", cfg.GovernanceBaseURL, "governance server base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", cfg.GovernanceToken, "bearer token for the governance server")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "give up after this long (0 waits until the workflow ends)")

	root.AddCommand(newStartCmd(cfg, opts))
	root.AddCommand(newContinueCmd(cfg, opts))
	root.AddCommand(newWatchCmd(cfg, opts))
	root.AddCommand(newValidateCmd())
	return root
}

func newStartCmd(cfg config.Config, opts *rootOptions) *cobra.Command {
	var enabled, disabled, manual []string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow and follow it until it ends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := buildWorkflowConfig(enabled, disabled, manual)
			if err != nil {
				return err
			}
			return runFollow(cmd, cfg, opts, "", func(ctx context.Context, svc *tracker.Service) bool {
				return svc.StartWorkflow(ctx, wf)
			})
		},
	}
	cmd.Flags().StringSliceVar(&enabled, "step", nil, "step to run (repeatable); defaults to the standard pipeline")
	cmd.Flags().StringSliceVar(&disabled, "skip", nil, "step to send as disabled (repeatable)")
	cmd.Flags().StringSliceVar(&manual, "manual", nil, "enabled step that waits for manual confirmation (repeatable)")
	return cmd
}

func newContinueCmd(cfg config.Config, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "continue <task-id>",
		Short: "Resume a paused or failed workflow and follow it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseTaskID(args[0])
			if err != nil {
				return err
			}
			return runFollow(cmd, cfg, opts, id, func(ctx context.Context, svc *tracker.Service) bool {
				return svc.ContinueWorkflow(ctx, id, tracker.WorkflowConfig{})
			})
		},
	}
}

func newWatchCmd(cfg config.Config, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow the progress of a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseTaskID(args[0])
			if err != nil {
				return err
			}
			return runFollow(cmd, cfg, opts, id, func(ctx context.Context, svc *tracker.Service) bool {
				return svc.WatchProgress(ctx, id)
			})
		},
	}
}

func runFollow(cmd *cobra.Command, cfg config.Config, opts *rootOptions, id domain.TaskID, open func(context.Context, *tracker.Service) bool) error {
	ctx := cmd.Context()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	logger := logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.Env)
	svc := newService(cfg, opts, logger)
	defer svc.Close()

	f := newFollower(svc, cmd.OutOrStdout())
	defer f.Close()
	if id != "" {
		f.attach(id)
	}

	if !open(ctx, svc) {
		return errors.New("could not open the workflow stream")
	}
	summary, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	if summary.Status != domain.ExecutionCompleted {
		return fmt.Errorf("workflow %s ended with status %s", summary.TaskID, summary.Status)
	}
	return nil
}

func buildWorkflowConfig(enabled, disabled, manual []string) (tracker.WorkflowConfig, error) {
	isManual := make(map[domain.StepID]bool, len(manual))
	for _, raw := range manual {
		isManual[domain.StepID(strings.TrimSpace(raw))] = true
	}

	var ids []domain.StepID
	if len(enabled) == 0 {
		for _, st := range domain.DefaultPipeline() {
			ids = append(ids, st.ID)
		}
	} else {
		for _, raw := range enabled {
			ids = append(ids, domain.StepID(strings.TrimSpace(raw)))
		}
	}

	var wf tracker.WorkflowConfig
	seen := make(map[domain.StepID]bool)
	add := func(id domain.StepID, on bool) error {
		if id == "" {
			return errors.New("empty step id")
		}
		if seen[id] {
			return fmt.Errorf("step %s given twice", id)
		}
		seen[id] = true
		wf.Steps = append(wf.Steps, tracker.StepConfig{ID: id, Enabled: on, IsAutomatic: on && !isManual[id]})
		return nil
	}

	skip := make(map[domain.StepID]bool, len(disabled))
	for _, raw := range disabled {
		skip[domain.StepID(strings.TrimSpace(raw))] = true
	}
	for _, id := range ids {
		if skip[id] {
			continue
		}
		if err := add(id, true); err != nil {
			return tracker.WorkflowConfig{}, err
		}
	}
	for _, raw := range disabled {
		if err := add(domain.StepID(strings.TrimSpace(raw)), false); err != nil {
			return tracker.WorkflowConfig{}, err
		}
	}
	return wf, nil
}
