package app

import (
	"context"
	"math/big"
	"strings"

	"github.com/ggonzalez94/swap-cli/internal/aggregator"
	"github.com/ggonzalez94/swap-cli/internal/allowance"
	"github.com/ggonzalez94/swap-cli/internal/balance"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/execution"
	"github.com/ggonzalez94/swap-cli/internal/httpx"
	"github.com/ggonzalez94/swap-cli/internal/id"
	"github.com/ggonzalez94/swap-cli/internal/kv"
	"github.com/ggonzalez94/swap-cli/internal/model"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/ggonzalez94/swap-cli/internal/quote"
	"github.com/ggonzalez94/swap-cli/internal/registry"
	"github.com/ggonzalez94/swap-cli/internal/session"
	"github.com/ggonzalez94/swap-cli/internal/token"
)

func (s *runtimeState) aggregatorClient() *aggregator.Client {
	if s.agg != nil {
		return s.agg
	}
	httpClient := httpx.New(s.settings.Timeout, s.settings.Retries)
	s.agg = aggregator.New(httpClient, aggregator.Config{
		ChainID:   s.chain.EVMChainID,
		ProxyURL:  s.settings.AggregatorProxyURL,
		APIKey:    s.settings.AggregatorAPIKey,
		RateLimit: s.settings.RateLimit,
		Burst:     s.settings.RateBurst,
	}, s.log.WithField("component", "aggregator"))
	return s.agg
}

// tokenRegistry opens the token store and loads the custom tokens for the
// selected chain.
func (s *runtimeState) tokenRegistry(ctx context.Context) (*token.Registry, error) {
	if s.tokens != nil {
		return s.tokens, nil
	}
	store, err := kv.Open(s.settings.TokenStorePath, s.settings.TokenLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open token store", err)
	}
	s.tokenStore = store
	agg := s.aggregatorClient()
	reg := token.NewRegistry(s.chain, store, agg, s.log.WithField("component", "tokens"))
	if err := reg.Load(ctx); err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "load custom tokens", err)
	}
	agg.SetSymbolLookup(reg.SymbolInfo)
	s.tokens = reg
	return reg, nil
}

func (s *runtimeState) ensureActionStore() error {
	if s.actionStore != nil {
		return nil
	}
	store, err := execution.OpenStore(s.settings.ActionStorePath, s.settings.ActionLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open action store", err)
	}
	s.actionStore = store
	return nil
}

func (s *runtimeState) walletResolver() *provider.Resolver {
	if s.resolver != nil {
		return s.resolver
	}
	rpcURL, _ := registry.ResolveRPCURL(s.settings.RPCURL, s.chain.EVMChainID)
	batch, err := provider.ParseBatchMode(s.settings.WalletBatch)
	if err != nil {
		s.log.WithError(err).Warn("invalid wallet batch mode; using auto")
		batch = provider.BatchAuto
	}
	opts := provider.Options{
		ChainID:      s.chain.EVMChainID,
		RPCURL:       rpcURL,
		Timeout:      s.settings.Timeout,
		HostURL:      s.settings.HostURL,
		AltHostURL:   s.settings.AltHostURL,
		Batch:        batch,
		KeySource:    s.settings.KeySource,
		WatchAddress: s.settings.WatchAddress,
		Local: provider.LocalOptions{
			GasMultiplier:      s.settings.GasMultiplier,
			MaxFeeGwei:         s.settings.MaxFeeGwei,
			MaxPriorityFeeGwei: s.settings.MaxTipGwei,
		},
	}
	s.resolver = provider.NewResolver(s.log.WithField("component", "wallet"), s.runner.sources(opts)...)
	return s.resolver
}

// requireSigner resolves a provider and rejects watch-only wallets.
func (s *runtimeState) requireSigner(ctx context.Context) (provider.Provider, error) {
	p, err := s.walletResolver().Require(ctx)
	if err != nil {
		return nil, err
	}
	if !canSign(p) {
		return nil, clierr.Wrap(clierr.CodeSigner, "wallet is watch-only", provider.ErrCannotSign)
	}
	return p, nil
}

func canSign(p provider.Provider) bool {
	return p.Source() != "watch"
}

func walletInfo(p provider.Provider) *model.WalletInfo {
	return &model.WalletInfo{
		Source:  p.Source(),
		Address: p.Address().Hex(),
		Batch:   provider.SupportsBatch(p),
		CanSign: canSign(p),
	}
}

func (s *runtimeState) gasReserve() (*big.Int, error) {
	reserve, err := id.ParseUnits(s.settings.GasReserve, 18)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse gas reserve", err)
	}
	return reserve, nil
}

func (s *runtimeState) terms(slippageOverride string) quote.Terms {
	slippage := s.settings.SlippagePercent
	if strings.TrimSpace(slippageOverride) != "" {
		slippage = strings.TrimSpace(slippageOverride)
	}
	return quote.Terms{Slippage: slippage, Fee: s.settings.FeePercent, Referrer: s.settings.Referrer}
}

func (s *runtimeState) newTracker(p provider.Provider, reg *token.Registry) *balance.Tracker {
	return balance.New(s.chain, p, reg, balance.Config{
		PollInterval:     s.settings.PollInterval,
		PendingZeroRetry: s.settings.PendingZeroRetry,
	}, s.log.WithField("component", "balances"))
}

// swapStack is everything one swap session needs. Wallet-dependent parts are
// nil when no provider resolved.
type swapStack struct {
	wallet   provider.Provider
	tokens   *token.Registry
	tracker  *balance.Tracker
	gate     *allowance.Gate
	executor *execution.Executor
	session  *session.Session

	stopPolling func()
}

// Close stops background balance polling and waits for it to exit.
func (st *swapStack) Close() {
	if st.stopPolling != nil {
		st.stopPolling()
	}
}

type stackOptions struct {
	requireSigner bool
	slippage      string
	onEvent       func(session.Event)
	// onBalances receives every snapshot the background poller reads.
	onBalances func(balance.Snapshot)
}

func (s *runtimeState) buildStack(ctx context.Context, opts stackOptions) (*swapStack, error) {
	reg, err := s.tokenRegistry(ctx)
	if err != nil {
		return nil, err
	}
	reserve, err := s.gasReserve()
	if err != nil {
		return nil, err
	}
	st := &swapStack{tokens: reg}
	if opts.requireSigner {
		if st.wallet, err = s.requireSigner(ctx); err != nil {
			return nil, err
		}
	} else {
		st.wallet = s.walletResolver().Resolve(ctx)
	}

	agg := s.aggregatorClient()
	var balances quote.Balances
	var refresher session.Refresher
	owner := ""
	if st.wallet != nil {
		owner = st.wallet.Address().Hex()
		st.tracker = s.newTracker(st.wallet, reg)
		if _, err := st.tracker.Refresh(ctx); err != nil {
			if opts.requireSigner {
				return nil, err
			}
			s.log.WithError(err).Warn("balance refresh failed; skipping balance checks")
		} else {
			balances = st.tracker
		}
		refresher = st.tracker
		st.gate = allowance.New(agg, st.wallet, allowance.Config{
			Unlimited:      s.settings.ApprovalUnlimited,
			RecheckDelay:   s.settings.ApprovalRecheckDelay,
			ReceiptTimeout: s.settings.StepTimeout,
		}, s.log.WithField("component", "allowance"))
		if opts.requireSigner {
			if err := s.ensureActionStore(); err != nil {
				return nil, err
			}
			st.executor = execution.New(agg, st.wallet, st.tracker, s.actionStore, execution.Config{
				ChainID:           s.chain.CAIP2(),
				GasReserve:        reserve,
				StepTimeout:       s.settings.StepTimeout,
				UnlimitedApproval: s.settings.ApprovalUnlimited,
			}, s.log.WithField("component", "execution"))
		}
	}

	if st.tracker != nil {
		reg.OnChange(st.tracker.Trigger)
		pollCtx, stop := context.WithCancel(ctx)
		done := st.tracker.Start(pollCtx, opts.onBalances)
		st.stopPolling = func() {
			stop()
			<-done
		}
	}

	engine := quote.NewEngine(s.chain, agg, balances, quote.Config{
		GasReserve: reserve,
		Terms:      s.terms(opts.slippage),
	}, s.log.WithField("component", "quote"))
	st.session = session.New(session.Deps{
		Engine:    engine,
		Gate:      st.gate,
		Executor:  st.executor,
		Balances:  refresher,
		Debouncer: quote.NewDebouncer(s.settings.QuoteDebounce),
		Owner:     owner,
		OnEvent:   opts.onEvent,
		Log:       s.log.WithField("component", "session"),
	})
	return st, nil
}
