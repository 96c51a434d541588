package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/escrow"
)

var escrowCmd = &cobra.Command{
	Use:   "escrow",
	Short: "Inspect escrow contracts",
}

var escrowGetCmd = &cobra.Command{
	Use:   "get <contract-id>",
	Short: "Show a single escrow contract",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscrowGet,
}

var escrowListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List a user's escrow contracts",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscrowList,
}

var escrowStatusFilter string

func init() {
	escrowListCmd.Flags().StringVar(&escrowStatusFilter, "status", "", "filter by contract status")
	rootCmd.AddCommand(escrowCmd)
	escrowCmd.AddCommand(escrowGetCmd, escrowListCmd)
}

func openEscrow(ctx context.Context) (*escrow.Machine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	supported := make(map[string]bool, len(cfg.SupportedCurrencies))
	for _, c := range cfg.SupportedCurrencies {
		supported[c] = true
	}
	return escrow.New(escrow.Config{
		CommunityShare:           cfg.Escrow.CommunityShare,
		CommunityFundDestination: cfg.Escrow.CommunityFundDestination,
		SupportedCurrencies:      supported,
	}, st, zap.NewNop()), nil
}

func runEscrowGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	esc, err := openEscrow(ctx)
	if err != nil {
		return err
	}

	c, err := esc.Get(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Contract ID: %s\n", c.ContractID)
	fmt.Printf("Type:        %s\n", c.EscrowType)
	fmt.Printf("Status:      %s\n", c.Status)
	fmt.Printf("Buyer:       %s\n", c.BuyerID)
	fmt.Printf("Seller:      %s\n", c.SellerID)
	fmt.Printf("Amount:      %s %s\n", c.Amount, c.Currency)
	return nil
}

func runEscrowList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	esc, err := openEscrow(ctx)
	if err != nil {
		return err
	}

	contracts, err := esc.ListByUser(ctx, args[0], escrowStatusFilter)
	if err != nil {
		return err
	}

	fmt.Printf("%-24s %-12s %-10s %s\n", "CONTRACT ID", "STATUS", "AMOUNT", "CURRENCY")
	for _, c := range contracts {
		fmt.Printf("%-24s %-12s %-10s %s\n", c.ContractID, c.Status, c.Amount, c.Currency)
	}
	return nil
}
