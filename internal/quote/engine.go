// Package quote validates swap inputs and fetches aggregator quotes.
package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ggonzalez94/swap-cli/internal/aggregator"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/id"
	"github.com/ggonzalez94/swap-cli/internal/metrics"
	"github.com/ggonzalez94/swap-cli/internal/token"
	"github.com/sirupsen/logrus"
)

// DefaultGasReserve is withheld from native sells, in wei (0.0001 native).
var DefaultGasReserve = big.NewInt(100_000_000_000_000)

type Request struct {
	SellToken     token.Token
	BuyToken      token.Token
	SellAmount    string
	WalletAddress string
}

// Quote answers exactly one Request. It carries the terms the swap payload
// must be requested with.
type Quote struct {
	Request      Request         `json:"-"`
	SellBase     *big.Int        `json:"-"`
	DestAmount   string          `json:"dest_amount"`
	EstimatedGas int64           `json:"estimated_gas"`
	Raw          json.RawMessage `json:"-"`
	Terms        Terms           `json:"terms"`
}

// Terms is the slippage/fee/referrer tuple shared by quote and swap calls.
type Terms struct {
	Slippage string `json:"slippage"`
	Fee      string `json:"fee,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

// BuyAmount renders DestAmount in buy-token units.
func (q Quote) BuyAmount() string {
	return id.FormatBaseString(q.DestAmount, int(q.Request.BuyToken.Decimals))
}

type Aggregator interface {
	Quote(ctx context.Context, p aggregator.QuoteParams) (aggregator.QuoteResponse, error)
}

// Balances is satisfied by *balance.Tracker.
type Balances interface {
	BaseBalance(addr string) (*big.Int, bool)
}

type Config struct {
	GasReserve *big.Int
	Terms      Terms
}

type Engine struct {
	chain    id.Chain
	agg      Aggregator
	balances Balances
	cfg      Config
	log      logrus.FieldLogger
}

// NewEngine builds an engine. balances may be nil when no wallet is
// connected, in which case the balance precondition is skipped.
func NewEngine(chain id.Chain, agg Aggregator, balances Balances, cfg Config, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.GasReserve == nil {
		cfg.GasReserve = DefaultGasReserve
	}
	if strings.TrimSpace(cfg.Terms.Slippage) == "" {
		cfg.Terms.Slippage = "1"
	}
	return &Engine{chain: chain, agg: agg, balances: balances, cfg: cfg, log: log}
}

func (e *Engine) Terms() Terms { return e.cfg.Terms }

func (e *Engine) GasReserve() *big.Int { return new(big.Int).Set(e.cfg.GasReserve) }

// Validate runs every local precondition and returns the sell amount in base
// units. It never touches the network.
func (e *Engine) Validate(req Request) (*big.Int, error) {
	if req.SellToken.Key() == req.BuyToken.Key() {
		return nil, clierr.New(clierr.CodeInvalidInput, "sell and buy tokens must differ")
	}
	amount, err := id.ParseUnits(req.SellAmount, int(req.SellToken.Decimals))
	if err != nil {
		return nil, err
	}
	if e.balances == nil {
		return amount, nil
	}
	available, ok := e.balances.BaseBalance(req.SellToken.DisplayAddress())
	if !ok {
		available = new(big.Int)
	}
	if err := CheckBalance(req.SellToken, amount, available, e.cfg.GasReserve); err != nil {
		return nil, err
	}
	return amount, nil
}

// GetQuote validates req and asks the aggregator for a quote. No partial quote
// is returned on failure.
func (e *Engine) GetQuote(ctx context.Context, req Request) (q Quote, err error) {
	defer func() {
		kind := ""
		if typed, ok := clierr.As(err); ok {
			kind = clierr.Kind(typed.Code)
		}
		metrics.RecordQuote(kind, err)
	}()

	amount, err := e.Validate(req)
	if err != nil {
		return Quote{}, err
	}
	resp, err := e.agg.Quote(ctx, aggregator.QuoteParams{
		Src:      req.SellToken.AggregatorAddress(),
		Dst:      req.BuyToken.AggregatorAddress(),
		Amount:   amount.String(),
		From:     req.WalletAddress,
		Referrer: e.cfg.Terms.Referrer,
		Fee:      e.cfg.Terms.Fee,
	})
	if err != nil {
		return Quote{}, err
	}
	e.log.WithFields(logrus.Fields{
		"sell":   req.SellToken.Symbol,
		"buy":    req.BuyToken.Symbol,
		"amount": amount.String(),
		"dest":   resp.DstAmount,
	}).Debug("quote received")
	return Quote{
		Request:      req,
		SellBase:     amount,
		DestAmount:   resp.DstAmount,
		EstimatedGas: resp.Gas,
		Raw:          resp.Raw,
		Terms:        e.cfg.Terms,
	}, nil
}

// CheckBalance enforces amount <= available - reserve, where the reserve only
// applies to native sells.
func CheckBalance(sell token.Token, amount, available, reserve *big.Int) error {
	decimals := int(sell.Decimals)
	spendable := new(big.Int).Set(available)
	reserved := new(big.Int)
	if sell.IsNative && reserve != nil {
		reserved.Set(reserve)
		spendable.Sub(spendable, reserved)
	}
	if spendable.Sign() < 0 {
		spendable.SetInt64(0)
	}
	if amount.Cmp(spendable) <= 0 {
		return nil
	}

	shortfall := new(big.Int).Sub(amount, spendable)
	msg := fmt.Sprintf("insufficient %s balance: requested %s, available %s, short by %s %s",
		sell.Symbol,
		id.FormatUnits(amount, decimals),
		id.FormatUnits(available, decimals),
		id.FormatUnits(shortfall, decimals),
		sell.Symbol,
	)
	if reserved.Sign() > 0 {
		msg += fmt.Sprintf(" (%s %s is reserved for gas)", id.FormatUnits(reserved, decimals), sell.Symbol)
	}
	out := clierr.New(clierr.CodeInsufficientBalance, msg).
		WithDetail("symbol", sell.Symbol).
		WithDetail("requested", id.FormatUnits(amount, decimals)).
		WithDetail("available", id.FormatUnits(available, decimals)).
		WithDetail("shortfall", id.FormatUnits(shortfall, decimals))
	if reserved.Sign() > 0 {
		out.WithDetail("gas_reserve", id.FormatUnits(reserved, decimals))
	}
	return out
}
