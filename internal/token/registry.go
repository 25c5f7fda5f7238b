package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ggonzalez94/swap-cli/internal/aggregator"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/id"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/sirupsen/logrus"
)

const (
	SourceIntrospected = "introspected"
	SourceManual       = "manual"
)

// CustomEntry is a user-added token plus provenance.
type CustomEntry struct {
	Token
	Source  string    `json:"source"`
	AddedAt time.Time `json:"added_at"`
}

// Store persists custom entries. kv.Store satisfies it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Quoter is the slice of the aggregator client used for liquidity probes.
type Quoter interface {
	Quote(ctx context.Context, p aggregator.QuoteParams) (aggregator.QuoteResponse, error)
}

// Registry holds built-in and custom tokens for one chain. Custom entries are
// only mutated through AddCustom and RemoveCustom, which persist before
// returning and roll back on failure.
type Registry struct {
	chain  id.Chain
	store  Store
	quoter Quoter
	log    logrus.FieldLogger

	mu       sync.RWMutex
	builtins []Token
	custom   []CustomEntry
	onChange []func()
}

func NewRegistry(chain id.Chain, store Store, quoter Quoter, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		chain:    chain,
		store:    store,
		quoter:   quoter,
		log:      log,
		builtins: Builtins(chain),
	}
}

func (r *Registry) Chain() id.Chain { return r.chain }

func storeKey(chainID int64) string {
	return fmt.Sprintf("custom_tokens/%d", chainID)
}

// Load reads persisted custom entries. Entries that collide with built-ins or
// have malformed addresses are skipped.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	raw, ok, err := r.store.Get(ctx, storeKey(r.chain.EVMChainID))
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "read custom tokens", err)
	}
	if !ok {
		return nil
	}
	var entries []CustomEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "decode custom tokens", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom = r.custom[:0]
	for _, entry := range entries {
		if !id.IsAddress(entry.Address) || r.containsLocked(entry.Address) {
			r.log.WithField("address", entry.Address).Warn("skipping persisted custom token")
			continue
		}
		entry.IsCustom = true
		entry.IsNative = false
		r.custom = append(r.custom, entry)
	}
	return nil
}

// OnChange registers fn to run after every successful mutation.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// List returns built-ins in their fixed order, then custom tokens in
// insertion order.
func (r *Registry) List() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Token, 0, len(r.builtins)+len(r.custom))
	out = append(out, r.builtins...)
	for _, entry := range r.custom {
		out = append(out, entry.Token)
	}
	return out
}

func (r *Registry) Custom() []CustomEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]CustomEntry(nil), r.custom...)
}

// Lookup finds a listed token by any spelling of its address.
func (r *Registry) Lookup(addr string) (Token, bool) {
	key := CanonicalKey(addr)
	for _, t := range r.List() {
		if t.Key() == key {
			return t, true
		}
	}
	return Token{}, false
}

// Resolve accepts a symbol (case-insensitive) or an address.
func (r *Registry) Resolve(input string) (Token, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Token{}, clierr.New(clierr.CodeInvalidInput, "token is required")
	}
	if strings.HasPrefix(strings.ToLower(raw), "0x") {
		if !id.IsAddress(raw) {
			return Token{}, clierr.New(clierr.CodeInvalidTokenAddress, fmt.Sprintf("malformed token address %q", raw))
		}
		if t, ok := r.Lookup(raw); ok {
			return t, nil
		}
		return Token{}, clierr.New(clierr.CodeInvalidTokenAddress, fmt.Sprintf("token %s is not registered; add it with `swap tokens add %s`", raw, raw))
	}

	matches := []Token{}
	for _, t := range r.List() {
		if strings.EqualFold(t.Symbol, raw) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return Token{}, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("unknown token symbol %q on %s", raw, r.chain.Name))
	case 1:
		return matches[0], nil
	default:
		addrs := make([]string, 0, len(matches))
		for _, m := range matches {
			addrs = append(addrs, m.DisplayAddress())
		}
		return Token{}, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("symbol %s is ambiguous, use an address (%s)", raw, strings.Join(addrs, ", ")))
	}
}

// SymbolInfo resolves symbol and decimals for an address. It has the shape of
// classify.SymbolLookup.
func (r *Registry) SymbolInfo(addr string) (string, int, bool) {
	t, ok := r.Lookup(addr)
	if !ok {
		return "", 0, false
	}
	return t.Symbol, int(t.Decimals), true
}

// SymbolFor returns the symbol for addr, or the address itself when unknown.
func (r *Registry) SymbolFor(addr string) string {
	if symbol, _, ok := r.SymbolInfo(addr); ok {
		return symbol
	}
	return addr
}

// ProbeLiquidity quotes one whole token against the reference stable. Any
// successful quote means liquid; any failure means not liquid.
func (r *Registry) ProbeLiquidity(ctx context.Context, t Token) bool {
	if r.quoter == nil {
		return false
	}
	ref, ok := ReferenceStable(r.chain)
	if !ok {
		return false
	}
	dst := ref.AggregatorAddress()
	if t.Key() == ref.Key() {
		dst = NativeSentinel
	}
	amount := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.Decimals)), nil)
	_, err := r.quoter.Quote(ctx, aggregator.QuoteParams{Src: t.AggregatorAddress(), Dst: dst, Amount: amount.String()})
	if err != nil {
		r.log.WithFields(logrus.Fields{"token": t.Address, "error": err}).Debug("liquidity probe failed")
		return false
	}
	return true
}

// AddCustom validates and persists a custom token.
func (r *Registry) AddCustom(ctx context.Context, entry CustomEntry) error {
	addr := strings.TrimSpace(entry.Address)
	if !id.IsAddress(addr) {
		return clierr.New(clierr.CodeInvalidTokenAddress, fmt.Sprintf("malformed token address %q", entry.Address))
	}
	if strings.TrimSpace(entry.Symbol) == "" {
		return clierr.New(clierr.CodeInvalidTokenAddress, "custom token needs a symbol")
	}
	entry.Address = addr
	entry.IsCustom = true
	entry.IsNative = false
	if entry.Source == "" {
		entry.Source = SourceManual
	}
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now().UTC()
	}

	r.mu.Lock()
	if r.containsLocked(addr) {
		r.mu.Unlock()
		return clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("token %s is already registered", addr))
	}
	prev := append([]CustomEntry(nil), r.custom...)
	r.custom = append(r.custom, entry)
	if err := r.persistLocked(ctx); err != nil {
		r.custom = prev
		r.mu.Unlock()
		return err
	}
	hooks := append([]func(){}, r.onChange...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// RemoveCustom removes a custom token. Removing an absent token is a no-op.
func (r *Registry) RemoveCustom(ctx context.Context, addr string) error {
	key := CanonicalKey(addr)
	r.mu.Lock()
	idx := -1
	for i, entry := range r.custom {
		if entry.Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return nil
	}
	prev := append([]CustomEntry(nil), r.custom...)
	r.custom = append(append([]CustomEntry(nil), r.custom[:idx]...), r.custom[idx+1:]...)
	if err := r.persistLocked(ctx); err != nil {
		r.custom = prev
		r.mu.Unlock()
		return err
	}
	hooks := append([]func(){}, r.onChange...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

type OnboardResult struct {
	Entry    CustomEntry
	Metadata Metadata
	// Liquid is nil when the probe was skipped.
	Liquid   *bool
	Warnings []string
}

// Onboard introspects addr, optionally probes liquidity and adds the token.
// An illiquid token is still added, with a warning.
func (r *Registry) Onboard(ctx context.Context, p provider.Provider, addr string, probe bool) (OnboardResult, error) {
	if !id.IsAddress(addr) {
		return OnboardResult{}, clierr.New(clierr.CodeInvalidTokenAddress, fmt.Sprintf("malformed token address %q", addr))
	}
	r.mu.RLock()
	dup := r.containsLocked(addr)
	r.mu.RUnlock()
	if dup {
		return OnboardResult{}, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("token %s is already registered", addr))
	}

	meta, err := Introspect(ctx, p, addr)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return OnboardResult{}, clierr.Wrap(clierr.CodeInvalidTokenAddress, fmt.Sprintf("%s is not a valid ERC-20 token", addr), err)
		}
		return OnboardResult{}, err
	}

	entry := CustomEntry{
		Token: Token{
			Symbol:   meta.Symbol,
			Name:     meta.Name,
			Address:  meta.Address,
			Decimals: meta.Decimals,
			IsCustom: true,
		},
		Source: SourceIntrospected,
	}
	result := OnboardResult{Metadata: meta}
	if meta.DecimalsDefaulted {
		result.Warnings = append(result.Warnings, "decimals() unavailable; assuming 18")
	}
	if probe {
		liquid := r.ProbeLiquidity(ctx, entry.Token)
		result.Liquid = &liquid
		if !liquid {
			result.Warnings = append(result.Warnings, "aggregator returned no quote for this token; swaps may fail")
		}
	}
	if err := r.AddCustom(ctx, entry); err != nil {
		return OnboardResult{}, err
	}
	for _, e := range r.Custom() {
		if e.Key() == entry.Key() {
			result.Entry = e
		}
	}
	return result, nil
}

func (r *Registry) containsLocked(addr string) bool {
	if IsNativeSpelling(addr) || (r.chain.WrappedNative != "" && strings.EqualFold(addr, r.chain.WrappedNative)) {
		return true
	}
	key := CanonicalKey(addr)
	for _, t := range r.builtins {
		if t.Key() == key {
			return true
		}
	}
	for _, entry := range r.custom {
		if entry.Key() == key {
			return true
		}
	}
	return false
}

func (r *Registry) persistLocked(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	if len(r.custom) == 0 {
		if err := r.store.Delete(ctx, storeKey(r.chain.EVMChainID)); err != nil {
			return clierr.Wrap(clierr.CodeInternal, "persist custom tokens", err)
		}
		return nil
	}
	buf, err := json.Marshal(r.custom)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode custom tokens", err)
	}
	if err := r.store.Put(ctx, storeKey(r.chain.EVMChainID), buf); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "persist custom tokens", err)
	}
	return nil
}
