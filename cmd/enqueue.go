package cmd

import (
	"context"
	"os"

	"github.com/metal-toolbox/oltprov/internal/log"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/orchestrator"
	"github.com/spf13/cobra"
)

var (
	enqueueDevice string
	enqueueKind   string
	enqueueParams string
	enqueueActor  string
	cancelTask    string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit a task for a device",
	RunE: func(cmd *cobra.Command, _ []string) error {
		kind, err := model.ParseOperationKind(enqueueKind)
		if err != nil {
			return err
		}

		return withProducer(cmd.Context(), "enqueue", func(ctx context.Context, p *orchestrator.Producer) error {
			task, err := p.EnqueueRaw(ctx, enqueueDevice, kind, []byte(enqueueParams), enqueueActor)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), taskView(task))
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a task that no worker has claimed yet",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withProducer(cmd.Context(), "cancel", func(ctx context.Context, p *orchestrator.Producer) error {
			task, err := p.Cancel(ctx, cancelTask)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), taskView(task))
		})
	},
}

func withProducer(ctx context.Context, command string, fn func(context.Context, *orchestrator.Producer) error) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	if err := requireSharedBackends(config, command, true); err != nil {
		return err
	}

	logger := log.NewComponentLogger(log.NewLogrusLogger(config.LogLevel), "producer")

	repository, err := openRepository(ctx, config, logger, nil)
	if err != nil {
		return err
	}
	defer repository.Close()

	q, err := openQueue(ctx, config, logger, nil)
	if err != nil {
		return err
	}
	defer q.Close()

	return fn(ctx, orchestrator.NewProducer(repository, q, logger))
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueDevice, "device", "", "device id")
	enqueueCmd.Flags().StringVar(&enqueueKind, "kind", "", "operation kind, e.g. discovery, snmp_setup, reboot")
	enqueueCmd.Flags().StringVar(&enqueueParams, "params", "", "operation parameters as JSON")
	enqueueCmd.Flags().StringVar(&enqueueActor, "actor", os.Getenv("USER"), "who requested the task")

	for _, f := range []string{"device", "kind"} {
		if err := enqueueCmd.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}

	cancelCmd.Flags().StringVar(&cancelTask, "task", "", "task id")

	if err := cancelCmd.MarkFlagRequired("task"); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(enqueueCmd, cancelCmd)
}
