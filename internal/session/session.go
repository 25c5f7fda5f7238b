// Package session owns the swap inputs, the current quote and the allowance
// state, and sequences quote, approval and execution against them.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/ggonzalez94/swap-cli/internal/allowance"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/execution"
	"github.com/ggonzalez94/swap-cli/internal/quote"
	"github.com/ggonzalez94/swap-cli/internal/token"
	"github.com/sirupsen/logrus"
)

// ErrStale is returned for a quote that was superseded by newer inputs.
var ErrStale = errors.New("quote superseded by newer inputs")

type Inputs struct {
	Sell   token.Token
	Buy    token.Token
	Amount string
}

func (in Inputs) same(other Inputs) bool {
	return in.Sell.Key() == other.Sell.Key() && in.Buy.Key() == other.Buy.Key() && in.Amount == other.Amount
}

type EventKind string

const (
	EventQuote          EventKind = "quote"
	EventQuoteError     EventKind = "quote_error"
	EventAllowance      EventKind = "allowance"
	EventAllowanceError EventKind = "allowance_error"
	EventExecuted       EventKind = "executed"
	EventApproved       EventKind = "approved"
)

type Event struct {
	Kind       EventKind                 `json:"kind"`
	Generation uint64                    `json:"generation"`
	Quote      *quote.Quote              `json:"quote,omitempty"`
	Allowance  *allowance.State          `json:"allowance,omitempty"`
	Result     *execution.TxResult       `json:"result,omitempty"`
	Approval   *allowance.ApprovalResult `json:"approval,omitempty"`
	Err        error                     `json:"-"`
}

// Refresher is satisfied by *balance.Tracker.
type Refresher interface {
	Trigger()
}

type Deps struct {
	Engine    *quote.Engine
	Gate      *allowance.Gate
	Executor  *execution.Executor
	Balances  Refresher
	Debouncer *quote.Debouncer
	Owner     string
	OnEvent   func(Event)
	Log       logrus.FieldLogger
}

// Session is the single writer of the current quote. Only results belonging
// to the latest input generation are kept.
type Session struct {
	deps Deps
	log  logrus.FieldLogger

	mu      sync.Mutex
	inputs  Inputs
	gen     uint64
	current *quote.Quote
}

func New(deps Deps) *Session {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if deps.Debouncer == nil {
		deps.Debouncer = quote.NewDebouncer(quote.DefaultDebounce)
	}
	return &Session{deps: deps, log: log}
}

// setInputs records in and returns its generation. A changed triple clears
// the current quote immediately.
func (s *Session) setInputs(in Inputs) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != 0 && s.inputs.same(in) {
		return s.gen, false
	}
	s.inputs = in
	s.gen++
	s.current = nil
	if s.deps.Gate != nil {
		s.deps.Gate.Reset()
	}
	return s.gen, true
}

// Update changes the inputs and schedules a debounced quote. Results arrive
// through OnEvent.
func (s *Session) Update(ctx context.Context, in Inputs) {
	gen, changed := s.setInputs(in)
	if !changed {
		return
	}
	s.deps.Debouncer.Schedule(func(uint64) {
		if _, _, err := s.fetch(ctx, gen, in); err != nil && !errors.Is(err, ErrStale) {
			s.log.WithError(err).Debug("debounced quote failed")
		}
	})
}

// Quote changes the inputs and fetches a quote right away.
func (s *Session) Quote(ctx context.Context, in Inputs) (quote.Quote, allowance.State, error) {
	s.deps.Debouncer.Cancel()
	gen, _ := s.setInputs(in)
	return s.fetch(ctx, gen, in)
}

// Current returns the quote for the current inputs, if any.
func (s *Session) Current() (quote.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return quote.Quote{}, false
	}
	return *s.current, true
}

func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Session) fetch(ctx context.Context, gen uint64, in Inputs) (quote.Quote, allowance.State, error) {
	q, err := s.deps.Engine.GetQuote(ctx, quote.Request{
		SellToken:     in.Sell,
		BuyToken:      in.Buy,
		SellAmount:    in.Amount,
		WalletAddress: s.deps.Owner,
	})
	if !s.isCurrent(gen) {
		return quote.Quote{}, allowance.State{}, ErrStale
	}
	if err != nil {
		s.emit(Event{Kind: EventQuoteError, Generation: gen, Err: err})
		return quote.Quote{}, allowance.State{}, err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return quote.Quote{}, allowance.State{}, ErrStale
	}
	stored := q
	s.current = &stored
	s.mu.Unlock()
	s.emit(Event{Kind: EventQuote, Generation: gen, Quote: &q})

	st, err := s.checkAllowance(ctx, q)
	if errors.Is(err, allowance.ErrSuperseded) {
		return quote.Quote{}, allowance.State{}, ErrStale
	}
	if err != nil {
		if s.isCurrent(gen) {
			s.emit(Event{Kind: EventAllowanceError, Generation: gen, Err: err})
		}
		return q, st, err
	}
	if !s.isCurrent(gen) {
		return quote.Quote{}, allowance.State{}, ErrStale
	}
	s.emit(Event{Kind: EventAllowance, Generation: gen, Allowance: &st})
	return q, st, nil
}

func (s *Session) checkAllowance(ctx context.Context, q quote.Quote) (allowance.State, error) {
	if s.deps.Gate == nil || s.deps.Owner == "" {
		return allowance.State{Phase: allowance.PhaseUnknown}, nil
	}
	return s.deps.Gate.Check(ctx, q.Request.SellToken, s.deps.Owner, q.SellBase)
}

// Approve approves the sell token of the current quote and re-checks it.
func (s *Session) Approve(ctx context.Context) (allowance.ApprovalResult, error) {
	if _, ok := s.Current(); !ok {
		return allowance.ApprovalResult{}, clierr.New(clierr.CodeInvalidInput, "no current quote to approve for")
	}
	res, err := s.deps.Executor.Approve(ctx, s.deps.Gate)
	if err != nil {
		return res, err
	}
	if s.deps.Balances != nil {
		s.deps.Balances.Trigger()
	}
	s.emit(Event{Kind: EventApproved, Generation: s.Generation(), Approval: &res})
	return res, nil
}

// Execute submits the current quote. On success balances are refreshed, the
// allowance is re-read and the quote is cleared so it cannot be resubmitted.
func (s *Session) Execute(ctx context.Context) (execution.TxResult, error) {
	q, ok := s.Current()
	if !ok {
		return execution.TxResult{}, clierr.New(clierr.CodeInvalidInput, "no current quote to execute")
	}
	st := s.deps.Gate.State()
	res, err := s.deps.Executor.Execute(ctx, q, st)
	if err != nil {
		return res, err
	}

	s.mu.Lock()
	s.current = nil
	gen := s.gen
	s.mu.Unlock()

	if s.deps.Balances != nil {
		s.deps.Balances.Trigger()
	}
	if !q.Request.SellToken.IsNative {
		if _, err := s.deps.Gate.Check(ctx, q.Request.SellToken, s.deps.Owner, q.SellBase); err != nil {
			s.log.WithError(err).Warn("allowance refresh after swap failed")
		}
	}
	s.emit(Event{Kind: EventExecuted, Generation: gen, Result: &res})
	return res, nil
}

func (s *Session) emit(ev Event) {
	if s.deps.OnEvent != nil {
		s.deps.OnEvent(ev)
	}
}
