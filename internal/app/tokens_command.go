package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/model"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/ggonzalez94/swap-cli/internal/registry"
	"github.com/ggonzalez94/swap-cli/internal/token"
	"github.com/spf13/cobra"
)

// readProvider returns the wallet provider, or a watch-only one on the chain
// RPC when no wallet is configured. It is only used for contract reads.
func (s *runtimeState) readProvider(ctx context.Context) (provider.Provider, error) {
	if p := s.walletResolver().Resolve(ctx); p != nil {
		return p, nil
	}
	rpcURL, err := registry.ResolveRPCURL(s.settings.RPCURL, s.chain.EVMChainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	p, err := provider.DialWatch(ctx, rpcURL, common.Address{}, s.settings.Timeout)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeNetwork, "connect to chain rpc", err)
	}
	return p, nil
}

func (s *runtimeState) newTokensCommand() *cobra.Command {
	root := &cobra.Command{Use: "tokens", Short: "Built-in and custom token registry"}

	var customOnly bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens known on the selected chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := s.tokenRegistry(cmd.Context())
			if err != nil {
				return err
			}
			rows := []model.TokenRow{}
			if !customOnly {
				for _, t := range reg.List() {
					if !t.IsCustom {
						rows = append(rows, tokenRow(t))
					}
				}
			}
			for _, e := range reg.Custom() {
				rows = append(rows, customRow(e))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), rows, nil, nil)
		},
	}
	listCmd.Flags().BoolVar(&customOnly, "custom", false, "Only list custom tokens")

	var inspectProbe bool
	inspectCmd := &cobra.Command{
		Use:   "inspect <address>",
		Short: "Read ERC-20 metadata without registering the token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			reg, err := s.tokenRegistry(ctx)
			if err != nil {
				return err
			}
			p, err := s.readProvider(ctx)
			if err != nil {
				return err
			}
			if s.resolver.Resolve(ctx) == nil {
				if closer, ok := p.(interface{ Close() }); ok {
					defer closer.Close()
				}
			}
			meta, err := token.Introspect(ctx, p, args[0])
			if err != nil {
				if errors.Is(err, token.ErrInvalidToken) {
					return clierr.Wrap(clierr.CodeInvalidTokenAddress, fmt.Sprintf("%s is not a valid ERC-20 token", args[0]), err)
				}
				return err
			}
			view := model.TokenInspection{
				ChainID:           s.chain.CAIP2(),
				Address:           meta.Address,
				Symbol:            meta.Symbol,
				Name:              meta.Name,
				Decimals:          int(meta.Decimals),
				DecimalsDefaulted: meta.DecimalsDefaulted,
			}
			_, view.Registered = reg.Lookup(meta.Address)
			if inspectProbe {
				liquid := reg.ProbeLiquidity(ctx, token.Token{Symbol: meta.Symbol, Address: meta.Address, Decimals: meta.Decimals})
				view.Liquid = &liquid
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, nil, nil)
		},
	}
	inspectCmd.Flags().BoolVar(&inspectProbe, "probe", false, "Also ask the aggregator for a probe quote")

	var noProbe bool
	var manualSymbol, manualName string
	var manualDecimals int
	addCmd := &cobra.Command{
		Use:   "add <address>",
		Short: "Register a custom token by contract address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			reg, err := s.tokenRegistry(ctx)
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())

			if strings.TrimSpace(manualSymbol) != "" {
				if manualDecimals < 0 || manualDecimals > 255 {
					return clierr.New(clierr.CodeInvalidInput, "--decimals must be between 0 and 255")
				}
				entry := token.CustomEntry{
					Token: token.Token{
						Symbol:   strings.TrimSpace(manualSymbol),
						Name:     strings.TrimSpace(manualName),
						Address:  strings.TrimSpace(args[0]),
						Decimals: uint8(manualDecimals),
					},
					Source: token.SourceManual,
				}
				if err := reg.AddCustom(ctx, entry); err != nil {
					return err
				}
				added, _ := reg.Lookup(entry.Address)
				return s.emitSuccess(path, tokenRow(added), nil, nil)
			}

			p, err := s.readProvider(ctx)
			if err != nil {
				return err
			}
			res, err := reg.Onboard(ctx, p, args[0], !noProbe)
			if err != nil {
				return err
			}
			row := customRow(res.Entry)
			s.lastWarnings = res.Warnings
			return s.emitSuccess(path, row, res.Warnings, nil)
		},
	}
	addCmd.Flags().BoolVar(&noProbe, "no-probe", false, "Skip the aggregator liquidity probe")
	addCmd.Flags().StringVar(&manualSymbol, "symbol", "", "Register without reading the contract, using this symbol")
	addCmd.Flags().StringVar(&manualName, "name", "", "Token name for manual registration")
	addCmd.Flags().IntVar(&manualDecimals, "decimals", 18, "Token decimals for manual registration")

	removeCmd := &cobra.Command{
		Use:   "remove <address>",
		Short: "Remove a custom token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := s.tokenRegistry(cmd.Context())
			if err != nil {
				return err
			}
			existing, found := reg.Lookup(args[0])
			if found && !existing.IsCustom {
				return clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("%s is a built-in token and cannot be removed", existing.Symbol))
			}
			if err := reg.RemoveCustom(cmd.Context(), args[0]); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "remove custom token", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{
				"address": args[0],
				"removed": found,
			}, nil, nil)
		},
	}

	root.AddCommand(listCmd)
	root.AddCommand(inspectCmd)
	root.AddCommand(addCmd)
	root.AddCommand(removeCmd)
	return root
}
