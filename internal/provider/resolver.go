package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/provider/signer"
	"github.com/sirupsen/logrus"
)

// Source opens one candidate provider. Open returns (nil, nil) when the source
// is not configured, and an error when it is configured but unusable.
type Source struct {
	Name string
	Open func(ctx context.Context) (Provider, error)
}

// Resolver picks the first usable source and caches the result for the life of
// the process. Sources are tried once each, without retry.
type Resolver struct {
	sources []Source
	log     logrus.FieldLogger

	mu       sync.Mutex
	done     bool
	resolved Provider
	failures []error
}

func NewResolver(log logrus.FieldLogger, sources ...Source) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{sources: sources, log: log}
}

// Resolve returns the selected provider, or nil when no source yields one.
func (r *Resolver) Resolve(ctx context.Context) Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return r.resolved
	}
	for _, source := range r.sources {
		p, err := source.Open(ctx)
		if err != nil {
			r.failures = append(r.failures, fmt.Errorf("%s: %w", source.Name, err))
			r.log.WithFields(logrus.Fields{"source": source.Name, "error": err}).Warn("provider source unusable")
			continue
		}
		if p == nil {
			r.log.WithField("source", source.Name).Debug("provider source not configured")
			continue
		}
		r.log.WithFields(logrus.Fields{
			"source":  p.Source(),
			"address": p.Address().Hex(),
			"batch":   SupportsBatch(p),
		}).Info("provider resolved")
		r.resolved = p
		break
	}
	r.done = true
	return r.resolved
}

// Require is Resolve for callers that cannot proceed without a provider.
func (r *Resolver) Require(ctx context.Context) (Provider, error) {
	if p := r.Resolve(ctx); p != nil {
		return p, nil
	}
	r.mu.Lock()
	cause := errors.Join(r.failures...)
	r.mu.Unlock()
	return nil, clierr.Wrap(clierr.CodeNetwork, ErrNoProvider.Error(), cause)
}

// Close releases the resolved provider's connection, if any.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if closer, ok := r.resolved.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Options configures the default source chain.
type Options struct {
	ChainID int64
	RPCURL  string
	Timeout time.Duration
	// HostURL comes from the process environment, AltHostURL from config.
	HostURL    string
	AltHostURL string
	Batch      BatchMode
	KeySource  string
	PrivateKey string
	// WatchAddress enables a read-only provider when nothing can sign.
	WatchAddress string
	Local        LocalOptions
}

// DefaultSources returns host, alternate host, injected signer and watch-only
// sources, in priority order.
func DefaultSources(opts Options) []Source {
	remote := func(name, endpoint string) Source {
		return Source{Name: name, Open: func(ctx context.Context) (Provider, error) {
			if strings.TrimSpace(endpoint) == "" {
				return nil, nil
			}
			return DialRemote(ctx, name, strings.TrimSpace(endpoint), opts.ChainID, opts.Timeout, opts.Batch)
		}}
	}
	return []Source{
		remote("host", opts.HostURL),
		remote("alternate_host", opts.AltHostURL),
		{Name: "injected", Open: func(ctx context.Context) (Provider, error) {
			txSigner, err := signer.Load(opts.KeySource, opts.PrivateKey)
			if errors.Is(err, signer.ErrNoKey) {
				return nil, nil
			}
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeSigner, "load signer", err)
			}
			if strings.TrimSpace(opts.RPCURL) == "" {
				return nil, errors.New("local signer needs an rpc url")
			}
			return DialLocal(ctx, opts.RPCURL, opts.ChainID, opts.Timeout, txSigner, opts.Local)
		}},
		{Name: "watch", Open: func(ctx context.Context) (Provider, error) {
			addr := strings.TrimSpace(opts.WatchAddress)
			if addr == "" {
				return nil, nil
			}
			if !common.IsHexAddress(addr) {
				return nil, fmt.Errorf("invalid watch address %q", addr)
			}
			if strings.TrimSpace(opts.RPCURL) == "" {
				return nil, errors.New("watch provider needs an rpc url")
			}
			return DialWatch(ctx, opts.RPCURL, common.HexToAddress(addr), opts.Timeout)
		}},
	}
}
