package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/capability"
	"github.com/aidenlippert/zerostate/internal/chain"
	"github.com/aidenlippert/zerostate/internal/escrow"
	"github.com/aidenlippert/zerostate/internal/registry"
	"github.com/aidenlippert/zerostate/internal/reputation"
	"github.com/aidenlippert/zerostate/internal/scheduler"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks on the Task Scheduler",
}

var (
	taskType       string
	taskPriority   string
	taskTimeout    time.Duration
	taskCaps       []string
	taskReward     string
	taskCurrency   string
	taskSubmitter  string
	taskPayloadPth string
)

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new task",
	RunE:  runTaskSubmit,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStatus,
}

func init() {
	taskSubmitCmd.Flags().StringVar(&taskType, "type", "wasm", "task type")
	taskSubmitCmd.Flags().StringVar(&taskPriority, "priority", "", "priority: urgent|high|normal|low")
	taskSubmitCmd.Flags().DurationVar(&taskTimeout, "timeout", time.Minute, "max execution time")
	taskSubmitCmd.Flags().StringSliceVar(&taskCaps, "capability", nil, "required node capability (repeatable)")
	taskSubmitCmd.Flags().StringVar(&taskReward, "reward", "0", "reward amount")
	taskSubmitCmd.Flags().StringVar(&taskCurrency, "currency", "FLOP", "reward currency")
	taskSubmitCmd.Flags().StringVar(&taskSubmitter, "submitter", "", "submitting node/user id (required)")
	taskSubmitCmd.Flags().StringVar(&taskPayloadPth, "payload-file", "", "path to the task payload JSON (default: read stdin)")
	taskSubmitCmd.MarkFlagRequired("submitter")

	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskSubmitCmd, taskStatusCmd)
}

func openScheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	caps := capability.New()
	rep := reputation.New(zap.NewNop())
	reg := registry.New(registry.Config{
		OfflineThreshold: time.Duration(cfg.Registry.OfflineThresholdS) * time.Second,
		RequireAuth:      cfg.Registry.RequireAuth,
	}, st, caps, rep, nil, zap.NewNop())
	if err := reg.Rehydrate(ctx); err != nil {
		return nil, err
	}

	supported := make(map[string]bool, len(cfg.SupportedCurrencies))
	for _, c := range cfg.SupportedCurrencies {
		supported[c] = true
	}
	esc := escrow.New(escrow.Config{
		CommunityShare:           cfg.Escrow.CommunityShare,
		CommunityFundDestination: cfg.Escrow.CommunityFundDestination,
		SupportedCurrencies:      supported,
	}, st, zap.NewNop())

	chainRegistry, err := chain.New(chain.Config{
		ProductionMode: !cfg.Chain.AllowStubAdapters,
	}, supported, zap.NewNop())
	if err != nil {
		return nil, err
	}

	return scheduler.New(scheduler.Config{
		WatchdogInterval: time.Duration(cfg.Scheduler.WatchdogPeriodS) * time.Second,
		WatchdogGrace:    time.Duration(cfg.Scheduler.WatchdogGraceS) * time.Second,
	}, st, esc, reg, rep, chainRegistry, nil, zap.NewNop()), nil
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sched, err := openScheduler(ctx)
	if err != nil {
		return err
	}

	var payload []byte
	if taskPayloadPth != "" {
		payload, err = os.ReadFile(taskPayloadPth)
		if err != nil {
			return fmt.Errorf("read payload file: %w", err)
		}
	} else {
		payload, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read payload from stdin: %w", err)
		}
	}

	task, err := sched.Submit(ctx, taskType, payload, scheduler.Priority(taskPriority), taskTimeout,
		taskCaps, taskReward, taskCurrency, taskSubmitter, "")
	if err != nil {
		return err
	}

	fmt.Printf("submitted task %s (priority=%s, status=%s)\n", task.TaskID, task.Priority, task.Status)
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sched, err := openScheduler(ctx)
	if err != nil {
		return err
	}

	task, err := sched.Get(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Task ID:    %s\n", task.TaskID)
	fmt.Printf("Type:       %s\n", task.TaskType)
	fmt.Printf("Status:     %s\n", task.Status)
	fmt.Printf("Priority:   %s\n", task.Priority)
	fmt.Printf("Node:       %s\n", task.AssignedNodeID)
	fmt.Printf("Escrow:     %s\n", task.EscrowID)
	if task.ErrorMessage != "" {
		fmt.Printf("Error:      %s\n", task.ErrorMessage)
	}
	return nil
}
