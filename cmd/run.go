package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowpilot/shared"
	"flowpilot/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runOptions struct {
	file     string
	user     string
	data     string
	decision string
	wait     time.Duration
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a definition once in memory, resolving the user's tasks automatically",
		Long: `Starts one instance on an in-memory engine, completes every task the
user can act on with --decision, waits up to --wait for timers and prints the
final instance as JSON. Without --file the built-in expense approval runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *root.cfg
			cfg.Store.Driver = "memory"
			cfg.Redis.Enabled = false
			cfg.Temporal.Enabled = false
			cfg.Definitions.Dir = ""

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, &cfg, root.logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			snap, err := runOnce(ctx, rt, opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "definition file (.yaml, .yml or .json)")
	cmd.Flags().StringVarP(&opts.user, "user", "u", "cli", "acting user; starts the instance and resolves its tasks")
	cmd.Flags().StringVarP(&opts.data, "data", "d", "{}", "initial instance data as a JSON object")
	cmd.Flags().StringVar(&opts.decision, "decision", "approved", "decision used for approval tasks")
	cmd.Flags().DurationVar(&opts.wait, "wait", 5*time.Second, "how long to wait for timers before giving up")
	return cmd
}

func runOnce(ctx context.Context, rt *runtime, opts *runOptions) (*shared.InstanceSnapshot, error) {
	var (
		def *shared.WorkflowDefinition
		err error
	)
	if opts.file == "" {
		def, err = workflow.LoadDefinitionFromYAML([]byte(workflow.SampleApprovalDefinitionYAML()))
	} else {
		def, err = workflow.LoadDefinitionFile(opts.file)
	}
	if err != nil {
		return nil, err
	}
	if def, err = rt.defs.Register(def); err != nil {
		return nil, err
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(opts.data), &data); err != nil {
		return nil, fmt.Errorf("invalid --data: %w", err)
	}

	id, err := rt.engine.StartInstanceVersion(ctx, def.ID, def.Version, data, opts.user)
	if err != nil {
		return nil, err
	}
	rt.logger.Info("Instance started", zap.String("instanceID", id), zap.String("definition", def.Key()))

	deadline := time.Now().Add(opts.wait)
	for {
		snap, err := rt.engine.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if snap.Status.Terminal() {
			return snap, nil
		}

		tasks, err := rt.engine.ListTasks(ctx, opts.user)
		if err != nil {
			return nil, err
		}
		completed := 0
		for _, task := range tasks {
			if task.InstanceID != id {
				continue
			}
			decision := ""
			if task.Type == shared.TaskApproval {
				decision = opts.decision
			}
			rt.logger.Info("Completing task", zap.String("taskID", task.ID), zap.String("nodeID", task.NodeID))
			if err := rt.engine.CompleteTask(ctx, task.ID, opts.user, decision, nil); err != nil {
				return nil, err
			}
			completed++
		}
		if completed > 0 {
			continue
		}

		if time.Now().After(deadline) {
			rt.logger.Warn("Instance still running", zap.String("instanceID", id), zap.Strings("currentNodeIDs", snap.CurrentNodeIDs))
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
