package cmd

import (
	"fmt"
	"os"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
	"github.com/likeaw/ai-web-agent-industrial/internal/bus"
	"github.com/likeaw/ai-web-agent-industrial/internal/observability"
	"github.com/likeaw/ai-web-agent-industrial/internal/registry"
)

var (
	runHeadless bool
	runPlanFile string
)

var runCmd = &cobra.Command{
	Use:   "run [task description]",
	Short: "Execute one task from the command line and wait for it to finish.",
	Long: `Execute a single task to completion. The task is planned by the language
model unless --plan points to a JSON file with a pre-built execution plan
(replay mode), in which case no model credentials are needed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		description := ""
		if len(args) > 0 {
			description = args[0]
		}

		opts := registry.Options{Headless: &runHeadless}
		if runPlanFile != "" {
			plan, err := loadPlanFile(runPlanFile)
			if err != nil {
				return err
			}
			opts.StaticPlan = plan
			if description == "" {
				description = fmt.Sprintf("replay of %s", runPlanFile)
			}
		}
		if description == "" {
			return fmt.Errorf("a task description is required unless --plan is given")
		}

		events := bus.New(logger)
		defer events.Close()
		reg := registry.New(cfg, events, logger)

		exec, err := reg.Create(description, opts)
		if err != nil {
			return err
		}
		logger.Info("Task submitted", zap.String("task_id", exec.TaskID))

		// Mirror the task's trace to the console while it runs.
		ch, cancel := events.Subscribe(exec.TaskID)
		defer cancel()
		go func() {
			for ev := range ch {
				if ev.Type == schemas.EventLog && ev.Log != nil {
					logger.Info("trace", zap.String("severity", string(ev.Log.Severity)), zap.String("message", ev.Log.Message))
				}
			}
		}()

		if err := reg.Wait(exec.TaskID); err != nil {
			return err
		}
		final, err := reg.Get(exec.TaskID)
		if err != nil {
			return err
		}

		logger.Info("Task finished", zap.String("status", string(final.Status)))
		if final.Status != schemas.TaskCompleted {
			return fmt.Errorf("task ended with status %s", final.Status)
		}
		return nil
	},
}

// loadPlanFile reads a static execution plan: either a bare node array or a
// {"execution_plan": [...]} envelope.
func loadPlanFile(path string) ([]*schemas.ExecutionNode, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	var envelope struct {
		ExecutionPlan []*schemas.ExecutionNode `json:"execution_plan"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.ExecutionPlan) > 0 {
		return envelope.ExecutionPlan, nil
	}

	var nodes []*schemas.ExecutionNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("plan file is neither a node array nor an execution_plan envelope: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("plan file contains no nodes")
	}
	return nodes, nil
}

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", true, "run the browser headless")
	runCmd.Flags().StringVar(&runPlanFile, "plan", "", "execute a pre-built JSON plan instead of asking the model")
	rootCmd.AddCommand(runCmd)
}
