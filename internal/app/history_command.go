package app

import (
	"strings"

	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/execution"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newHistoryCommand() *cobra.Command {
	root := &cobra.Command{Use: "history", Short: "Journaled swaps and approvals"}

	var status, intent string
	var limit int
	var allChains bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled actions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := execution.ListFilter{
				Status: execution.ActionStatus(strings.ToLower(strings.TrimSpace(status))),
				Intent: strings.ToLower(strings.TrimSpace(intent)),
				Limit:  limit,
			}
			switch filter.Status {
			case "", execution.ActionStatusPlanned, execution.ActionStatusRunning, execution.ActionStatusCompleted, execution.ActionStatusFailed:
			default:
				return clierr.New(clierr.CodeUsage, "--status must be planned, running, completed or failed")
			}
			switch filter.Intent {
			case "", execution.IntentSwap, execution.IntentApprove:
			default:
				return clierr.New(clierr.CodeUsage, "--intent must be swap or approve")
			}
			if !allChains {
				filter.ChainID = s.chain.CAIP2()
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			items, err := s.actionStore.List(cmd.Context(), filter)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list actions", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, nil)
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter by action status")
	listCmd.Flags().StringVar(&intent, "intent", "", "Filter by intent (swap|approve)")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum actions to return")
	listCmd.Flags().BoolVar(&allChains, "all-chains", false, "Include actions from every chain, not just --chain")

	getCmd := &cobra.Command{
		Use:   "get <action-id|tx-hash>",
		Short: "Show one journaled action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := strings.TrimSpace(args[0])
			isHash := strings.HasPrefix(strings.ToLower(ref), "0x")
			if !isHash && !strings.HasPrefix(ref, "act_") {
				return clierr.New(clierr.CodeUsage, "expected an action id (act_...) or a transaction hash")
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			var (
				action execution.Action
				err    error
			)
			if isHash {
				action, err = s.actionStore.FindByTxHash(cmd.Context(), ref)
			} else {
				action, err = s.actionStore.Get(cmd.Context(), ref)
			}
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, nil)
		},
	}

	root.AddCommand(listCmd)
	root.AddCommand(getCmd)
	return root
}

func (s *runtimeState) newWalletCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wallet",
		Short: "Show which wallet provider resolves and what it can do",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			p, err := s.walletResolver().Require(ctx)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), walletInfo(p), nil, nil)
		},
	}
}
