package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/capability"
	"github.com/aidenlippert/zerostate/internal/registry"
	"github.com/aidenlippert/zerostate/internal/reputation"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect the Node Registry",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes, most reputable first",
	RunE:  runNodeList,
}

var nodeGetCmd = &cobra.Command{
	Use:   "get <node-id>",
	Short: "Show a single node's registry record",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeGet,
}

var healthyOnly bool

func init() {
	nodeListCmd.Flags().BoolVar(&healthyOnly, "healthy-only", false, "show only nodes with healthy status")
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.AddCommand(nodeListCmd, nodeGetCmd)
}

func openRegistry(ctx context.Context) (*registry.Registry, error) {
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
	return reg, nil
}

func runNodeList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, err := openRegistry(ctx)
	if err != nil {
		return err
	}

	nodes, err := reg.Query(ctx, registry.Filter{HealthyOnly: healthyOnly})
	if err != nil {
		return err
	}

	fmt.Printf("%-24s %-10s %-9s %s\n", "NODE ID", "STATUS", "REP", "CAPABILITIES")
	for _, n := range nodes {
		fmt.Printf("%-24s %-10s %-9.2f %v\n", n.NodeID, n.Status, n.Reputation, n.Capabilities)
	}
	return nil
}

func runNodeGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, err := openRegistry(ctx)
	if err != nil {
		return err
	}

	n, err := reg.Get(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Node ID:       %s\n", n.NodeID)
	fmt.Printf("Address:       %s\n", n.Address)
	fmt.Printf("Status:        %s\n", n.Status)
	fmt.Printf("Reputation:    %.2f\n", n.Reputation)
	fmt.Printf("Capabilities:  %v\n", n.Capabilities)
	fmt.Printf("Last heartbeat: %s\n", n.LastHeartbeat.Format(time.RFC3339))
	return nil
}
