// Package balance tracks native and ERC-20 balances for the connected account.
package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ggonzalez94/swap-cli/internal/classify"
	"github.com/ggonzalez94/swap-cli/internal/id"
	"github.com/ggonzalez94/swap-cli/internal/metrics"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/ggonzalez94/swap-cli/internal/registry"
	"github.com/ggonzalez94/swap-cli/internal/token"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const DefaultPollInterval = 12 * time.Second

// The supported poll window. Tests narrow it.
var (
	MinPollInterval = 10 * time.Second
	MaxPollInterval = 15 * time.Second
)

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registry.ERC20ABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ClampInterval keeps the poll interval inside the supported window.
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultPollInterval
	case d < MinPollInterval:
		return MinPollInterval
	case d > MaxPollInterval:
		return MaxPollInterval
	}
	return d
}

type Config struct {
	PollInterval time.Duration
	// PendingZeroRetry re-reads a zero native balance at the pending block.
	PendingZeroRetry bool
}

// TokenLister is satisfied by *token.Registry.
type TokenLister interface {
	List() []token.Token
}

// Entry is one tracked balance.
type Entry struct {
	Token  token.Token `json:"token"`
	Base   string      `json:"base_units"`
	Amount string      `json:"amount"`
	Error  string      `json:"error,omitempty"`
}

// Snapshot is an immutable view of the tracked balances.
type Snapshot struct {
	Account   string               `json:"account"`
	Balances  map[token.Key]string `json:"balances"`
	Entries   []Entry              `json:"entries"`
	UpdatedAt time.Time            `json:"updated_at"`
	base      map[token.Key]*big.Int
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		Account:   s.Account,
		Balances:  make(map[token.Key]string, len(s.Balances)),
		Entries:   append([]Entry(nil), s.Entries...),
		UpdatedAt: s.UpdatedAt,
		base:      make(map[token.Key]*big.Int, len(s.base)),
	}
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	for k, v := range s.base {
		out.base[k] = new(big.Int).Set(v)
	}
	return out
}

// Tracker owns the balance snapshot. Only refresh writes it; readers get copies.
type Tracker struct {
	chain  id.Chain
	p      provider.Provider
	tokens TokenLister
	cfg    Config
	log    logrus.FieldLogger

	group   singleflight.Group
	trigger chan struct{}

	mu   sync.RWMutex
	snap Snapshot
}

func New(chain id.Chain, p provider.Provider, tokens TokenLister, cfg Config, log logrus.FieldLogger) *Tracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg.PollInterval = ClampInterval(cfg.PollInterval)
	return &Tracker{
		chain:   chain,
		p:       p,
		tokens:  tokens,
		cfg:     cfg,
		log:     log,
		trigger: make(chan struct{}, 1),
		snap: Snapshot{
			Account:  p.Address().Hex(),
			Balances: map[token.Key]string{},
			base:     map[token.Key]*big.Int{},
		},
	}
}

// Refresh reads every listed balance. Concurrent callers share one in-flight
// refresh. The returned error is non-nil only when no balance could be read.
func (t *Tracker) Refresh(ctx context.Context) (Snapshot, error) {
	v, err, _ := t.group.Do("refresh", func() (any, error) {
		return t.refresh(ctx)
	})
	if err != nil {
		return t.Snapshot(), err
	}
	return v.(Snapshot), nil
}

// Trigger requests an out-of-band refresh from Run. Triggers that arrive while
// one is already queued are dropped.
func (t *Tracker) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes once, then polls until ctx ends. onUpdate, when set, receives
// every new snapshot.
func (t *Tracker) Run(ctx context.Context, onUpdate func(Snapshot)) error {
	t.poll(ctx, onUpdate, true)
	return nil
}

// Start polls in the background until ctx ends. Unlike Run it skips the
// initial refresh, for callers that already hold a fresh snapshot. The
// returned channel is closed once polling stops.
func (t *Tracker) Start(ctx context.Context, onUpdate func(Snapshot)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.poll(ctx, onUpdate, false)
	}()
	return done
}

func (t *Tracker) poll(ctx context.Context, onUpdate func(Snapshot), initial bool) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	refresh := func() {
		snap, err := t.Refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.WithError(err).Warn("balance refresh failed")
		}
		if onUpdate != nil {
			onUpdate(snap)
		}
	}

	if initial {
		refresh()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		case <-t.trigger:
			refresh()
		}
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.clone()
}

// BalanceOf returns the decimal balance for any spelling of a token address.
func (t *Tracker) BalanceOf(addr string) (string, bool) {
	key := token.BalanceKey(t.chain, addr)
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.snap.Balances[key]
	return v, ok
}

// BaseBalance is BalanceOf in base units.
func (t *Tracker) BaseBalance(addr string) (*big.Int, bool) {
	key := token.BalanceKey(t.chain, addr)
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.snap.base[key]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(v), true
}

func (t *Tracker) refresh(ctx context.Context) (Snapshot, error) {
	prev := t.Snapshot()
	owner := t.p.Address()
	next := Snapshot{
		Account:   owner.Hex(),
		Balances:  map[token.Key]string{},
		base:      map[token.Key]*big.Int{},
		UpdatedAt: time.Now().UTC(),
	}

	var (
		failures []error
		reads    int
	)
	for _, tok := range t.tokens.List() {
		key := token.BalanceKey(t.chain, tok.Address)
		if tok.IsNative {
			key = token.NativeKey
		}
		if _, seen := next.base[key]; seen {
			continue
		}
		reads++

		var (
			value *big.Int
			err   error
		)
		if tok.IsNative {
			value, err = t.readNative(ctx, owner)
		} else {
			value, err = t.readERC20(ctx, common.HexToAddress(tok.Address), owner)
		}

		entry := Entry{Token: tok}
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", tok.Symbol, err))
			entry.Error = err.Error()
			if cached, ok := prev.base[key]; ok {
				value = cached
			} else {
				value = new(big.Int)
			}
			t.log.WithFields(logrus.Fields{"token": tok.Symbol, "error": err}).Debug("balance read failed")
		}
		entry.Base = value.String()
		entry.Amount = id.FormatUnits(value, int(tok.Decimals))
		next.base[key] = value
		next.Balances[key] = entry.Amount
		next.Entries = append(next.Entries, entry)
	}

	var err error
	if reads > 0 && len(failures) == reads {
		err = classify.RPC(errors.Join(failures...))
	}
	metrics.RecordBalanceRefresh(err)
	if err != nil {
		return Snapshot{}, err
	}

	t.mu.Lock()
	t.snap = next
	t.mu.Unlock()
	return next.clone(), nil
}

func (t *Tracker) readNative(ctx context.Context, owner common.Address) (*big.Int, error) {
	latest, err := t.getBalance(ctx, owner, "latest")
	if err != nil {
		return nil, err
	}
	if latest.Sign() != 0 || !t.cfg.PendingZeroRetry {
		return latest, nil
	}
	pending, err := t.getBalance(ctx, owner, "pending")
	if err != nil || pending.Sign() == 0 {
		return latest, nil
	}
	return pending, nil
}

func (t *Tracker) getBalance(ctx context.Context, owner common.Address, block string) (*big.Int, error) {
	raw, err := t.p.Request(ctx, "eth_getBalance", owner.Hex(), block)
	if err != nil {
		return nil, err
	}
	var out hexutil.Big
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode eth_getBalance: %w", err)
	}
	return out.ToInt(), nil
}

func (t *Tracker) readERC20(ctx context.Context, tokenAddr, owner common.Address) (*big.Int, error) {
	calldata, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	data, err := provider.EthCall(ctx, t.p, tokenAddr, calldata)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return new(big.Int), nil
	}
	values, err := erc20ABI.Unpack("balanceOf", data)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("decode balanceOf: unexpected %d bytes", len(data))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf: unexpected type %T", values[0])
	}
	return value, nil
}
