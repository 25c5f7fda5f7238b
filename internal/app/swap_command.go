package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ggonzalez94/swap-cli/internal/allowance"
	"github.com/ggonzalez94/swap-cli/internal/balance"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/id"
	"github.com/ggonzalez94/swap-cli/internal/model"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/ggonzalez94/swap-cli/internal/schema"
	"github.com/ggonzalez94/swap-cli/internal/session"
	"github.com/ggonzalez94/swap-cli/internal/token"
	"github.com/spf13/cobra"
)

type swapArgs struct {
	sell     string
	buy      string
	amount   string
	slippage string
}

func (a swapArgs) inputs(reg *token.Registry) (session.Inputs, error) {
	sell, err := reg.Resolve(a.sell)
	if err != nil {
		return session.Inputs{}, err
	}
	buy, err := reg.Resolve(a.buy)
	if err != nil {
		return session.Inputs{}, err
	}
	if strings.TrimSpace(a.amount) == "" {
		return session.Inputs{}, clierr.New(clierr.CodeInvalidInput, "amount is required")
	}
	return session.Inputs{Sell: sell, Buy: buy, Amount: strings.TrimSpace(a.amount)}, nil
}

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	var args swapArgs
	var interactive bool
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote a swap; --interactive reads amounts from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if interactive {
				return s.runInteractiveQuote(ctx, cmd.InOrStdin(), args)
			}

			start := time.Now()
			stack, err := s.buildStack(ctx, stackOptions{slippage: args.slippage})
			if err != nil {
				return err
			}
			defer stack.Close()
			in, err := args.inputs(stack.tokens)
			if err != nil {
				return err
			}
			q, st, err := stack.session.Quote(ctx, in)
			status := []model.ProviderStatus{{Name: "1inch", Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			var warnings []string
			if err != nil {
				if q.SellBase == nil {
					return err
				}
				warnings = append(warnings, fmt.Sprintf("allowance check failed: %v", err))
			}
			if stack.wallet == nil {
				warnings = append(warnings, "no wallet connected; balance and allowance checks skipped")
			}
			s.lastWarnings = warnings
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.quoteView(q, &st, stack.session.Generation()), warnings, status)
		},
	}
	cmd.Flags().StringVar(&args.sell, "sell", "", "Token to sell (symbol or address)")
	cmd.Flags().StringVar(&args.buy, "buy", "", "Token to buy (symbol or address)")
	cmd.Flags().StringVar(&args.amount, "amount", "", "Sell amount in token units (e.g. 0.01)")
	cmd.Flags().StringVar(&args.slippage, "slippage", "", "Slippage tolerance in percent")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "Read \"<amount>\" or \"<sell> <buy> <amount>\" lines from stdin and stream quotes")
	return cmd
}

// runInteractiveQuote feeds stdin lines into a debounced session and streams
// every event. It returns once input ends and the last inputs have settled.
func (s *runtimeState) runInteractiveQuote(ctx context.Context, in io.Reader, defaults swapArgs) error {
	settled := make(chan uint64, 16)
	onEvent := func(ev session.Event) {
		s.emitSessionEvent(ev)
		switch ev.Kind {
		case session.EventQuoteError, session.EventAllowance, session.EventAllowanceError:
			select {
			case settled <- ev.Generation:
			default:
			}
		}
	}
	onBalances := func(snap balance.Snapshot) {
		s.emitEvent("balances", 0, s.balanceSheet(snap), nil)
	}
	stack, err := s.buildStack(ctx, stackOptions{slippage: defaults.slippage, onEvent: onEvent, onBalances: onBalances})
	if err != nil {
		return err
	}
	defer stack.Close()

	current := defaults
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		switch len(fields) {
		case 0:
			continue
		case 1:
			current.amount = fields[0]
		case 3:
			current.sell, current.buy, current.amount = fields[0], fields[1], fields[2]
		default:
			s.emitEvent(string(session.EventQuoteError), 0, nil, clierr.New(clierr.CodeInvalidInput, "expected `<amount>` or `<sell> <buy> <amount>`"))
			continue
		}
		inputs, err := current.inputs(stack.tokens)
		if err != nil {
			s.emitEvent(string(session.EventQuoteError), 0, nil, err)
			continue
		}
		stack.session.Update(ctx, inputs)
	}
	if err := scanner.Err(); err != nil {
		return clierr.Wrap(clierr.CodeUsage, "read stdin", err)
	}

	last := stack.session.Generation()
	if last == 0 {
		return nil
	}
	wait := time.NewTimer(s.settings.QuoteDebounce + 2*s.settings.Timeout)
	defer wait.Stop()
	for {
		select {
		case gen := <-settled:
			if gen >= last {
				return nil
			}
		case <-wait.C:
			return clierr.New(clierr.CodeNetwork, "timed out waiting for the final quote")
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *runtimeState) emitSessionEvent(ev session.Event) {
	var data any
	switch {
	case ev.Quote != nil:
		data = s.quoteView(*ev.Quote, nil, ev.Generation)
	case ev.Allowance != nil:
		data = allowanceView(*ev.Allowance)
	case ev.Approval != nil:
		data = s.approvalView(*ev.Approval)
	case ev.Result != nil:
		data = ev.Result
	}
	s.emitEvent(string(ev.Kind), ev.Generation, data, ev.Err)
}

func (s *runtimeState) newApproveCommand() *cobra.Command {
	var sellArg, amountArg string
	cmd := &cobra.Command{
		Use:         "approve",
		Short:       "Approve the aggregator router to spend a token",
		Annotations: map[string]string{schema.AnnotationSigning: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			stack, err := s.buildStack(ctx, stackOptions{requireSigner: true})
			if err != nil {
				return err
			}
			defer stack.Close()
			tok, err := stack.tokens.Resolve(sellArg)
			if err != nil {
				return err
			}
			if tok.IsNative {
				return clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("%s is the native asset and needs no approval", tok.Symbol))
			}
			required, err := id.ParseUnits(amountArg, int(tok.Decimals))
			if err != nil {
				return err
			}
			st, err := stack.gate.Check(ctx, tok, stack.wallet.Address().Hex(), required)
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			if !st.NeedsApproval {
				warnings := []string{"allowance already covers the requested amount; nothing submitted"}
				return s.emitSuccess(path, model.ApprovalResult{ChainID: s.chain.CAIP2(), Token: tokenRef(tok), State: *allowanceView(st)}, warnings, nil)
			}
			res, err := stack.executor.Approve(ctx, stack.gate)
			if err != nil {
				return err
			}
			return s.emitSuccess(path, s.approvalView(res), nil, nil)
		},
	}
	cmd.Flags().StringVar(&sellArg, "token", "", "Token to approve (symbol or address)")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Amount the router must be allowed to spend")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func (s *runtimeState) newRunCommand() *cobra.Command {
	var args swapArgs
	var autoApprove bool
	cmd := &cobra.Command{
		Use:         "run",
		Short:       "Quote and execute a swap",
		Annotations: map[string]string{schema.AnnotationSigning: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			stack, err := s.buildStack(ctx, stackOptions{requireSigner: true, slippage: args.slippage})
			if err != nil {
				return err
			}
			defer stack.Close()
			in, err := args.inputs(stack.tokens)
			if err != nil {
				return err
			}
			q, st, err := stack.session.Quote(ctx, in)
			if err != nil {
				return err
			}

			var approval *model.ApprovalResult
			if st.Phase == allowance.PhaseNeedsApproval && !provider.SupportsBatch(stack.wallet) && autoApprove {
				res, err := stack.session.Approve(ctx)
				if err != nil {
					return err
				}
				view := s.approvalView(res)
				approval = &view
			}

			res, err := stack.session.Execute(ctx)
			if err != nil {
				if typed, ok := clierr.As(err); ok && typed.Code == clierr.CodeApprovalRequired && !autoApprove {
					typed.WithDetail("hint", "rerun with --auto-approve or run `swap approve` first")
				}
				return err
			}
			view := s.swapResultView(q, res)
			view.Approval = approval
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, nil, nil)
		},
	}
	cmd.Flags().StringVar(&args.sell, "sell", "", "Token to sell (symbol or address)")
	cmd.Flags().StringVar(&args.buy, "buy", "", "Token to buy (symbol or address)")
	cmd.Flags().StringVar(&args.amount, "amount", "", "Sell amount in token units (e.g. 0.01)")
	cmd.Flags().StringVar(&args.slippage, "slippage", "", "Slippage tolerance in percent")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Approve the sell token first when the wallet cannot batch")
	_ = cmd.MarkFlagRequired("sell")
	_ = cmd.MarkFlagRequired("buy")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
