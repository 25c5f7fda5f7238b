package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ggonzalez94/swap-cli/internal/aggregator"
	"github.com/ggonzalez94/swap-cli/internal/config"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/execution"
	"github.com/ggonzalez94/swap-cli/internal/id"
	"github.com/ggonzalez94/swap-cli/internal/kv"
	"github.com/ggonzalez94/swap-cli/internal/model"
	"github.com/ggonzalez94/swap-cli/internal/out"
	"github.com/ggonzalez94/swap-cli/internal/policy"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/ggonzalez94/swap-cli/internal/schema"
	"github.com/ggonzalez94/swap-cli/internal/token"
	"github.com/ggonzalez94/swap-cli/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type Runner struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	// sources builds the wallet provider candidates; tests replace it.
	sources func(provider.Options) []provider.Source
}

func NewRunner() *Runner {
	r := NewRunnerWithWriters(os.Stdout, os.Stderr)
	r.stdin = os.Stdin
	return r
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdin:   strings.NewReader(""),
		stdout:  stdout,
		stderr:  stderr,
		now:     time.Now,
		sources: provider.DefaultSources,
	}
}

type runtimeState struct {
	runner       *Runner
	flags        config.GlobalFlags
	settings     config.Settings
	root         *cobra.Command
	log          *logrus.Logger
	chain        id.Chain
	lastCommand  string
	lastWarnings []string

	// outMu serializes stream lines written from session callbacks.
	outMu sync.Mutex

	agg         *aggregator.Client
	tokenStore  *kv.Store
	tokens      *token.Registry
	actionStore *execution.Store
	resolver    *provider.Resolver
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, log: logrus.New()}
	state.log.SetOutput(r.stderr)
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetIn(r.stdin)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	state.close()
	if err == nil {
		return 0
	}
	state.renderError("", err, state.lastWarnings)
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Token swaps through the 1inch aggregator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.log.SetLevel(settings.LogLevel)
			s.log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: settings.LogLevel < logrus.DebugLevel})

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if err := policy.CheckReadOnly(settings.ReadOnly, path); err != nil {
				return err
			}

			chain, err := id.ParseChain(settings.Chain)
			if err != nil {
				return err
			}
			s.chain = chain
			if !chain.Known() {
				s.log.WithField("chain_id", chain.EVMChainID).Warn("unknown chain: no built-in tokens and no default rpc")
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Aggregator request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per aggregator request")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.Chain, "chain", "", "Chain name or id (default base)")
	cmd.PersistentFlags().StringVar(&s.flags.RPCURL, "rpc-url", "", "RPC URL override for the selected chain")
	cmd.PersistentFlags().BoolVar(&s.flags.ReadOnly, "read-only", false, "Refuse commands that submit transactions")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (error|warn|info|debug)")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newQuoteCommand())
	cmd.AddCommand(s.newApproveCommand())
	cmd.AddCommand(s.newRunCommand())
	cmd.AddCommand(s.newBalancesCommand())
	cmd.AddCommand(s.newWatchCommand())
	cmd.AddCommand(s.newTokensCommand())
	cmd.AddCommand(s.newHistoryCommand())
	cmd.AddCommand(s.newWalletCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, nil)
		},
	}
	return cmd
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, providers []model.ProviderStatus) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta:     s.meta(commandPath, providers),
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

// emitEvent writes one stream line to stdout.
func (s *runtimeState) emitEvent(kind string, gen uint64, data any, err error) {
	ev := model.StreamEvent{
		Kind:       kind,
		Generation: gen,
		Timestamp:  s.runner.now().UTC(),
		Data:       data,
	}
	if err != nil {
		ev.Error = errorBody(err)
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if renderErr := out.RenderEvent(s.runner.stdout, ev, s.settings); renderErr != nil {
		s.log.WithError(renderErr).Warn("render stream event")
	}
}

func (s *runtimeState) meta(commandPath string, providers []model.ProviderStatus) model.EnvelopeMeta {
	meta := model.EnvelopeMeta{
		RequestID: newRequestID(),
		Timestamp: s.runner.now().UTC(),
		Command:   commandPath,
		Providers: providers,
	}
	if s.chain.EVMChainID != 0 {
		meta.ChainID = s.chain.CAIP2()
	}
	if s.resolver != nil {
		if p := s.resolver.Resolve(context.Background()); p != nil {
			meta.Wallet = walletInfo(p)
		}
	}
	return meta
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  false,
		Data:     []any{},
		Error:    errorBody(err),
		Warnings: warnings,
		Meta:     s.meta(commandPath, nil),
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func errorBody(err error) *model.ErrorBody {
	body := &model.ErrorBody{
		Code:    clierr.ExitCode(err),
		Type:    "internal_error",
		Message: err.Error(),
	}
	if cErr, ok := clierr.As(err); ok {
		body.Type = clierr.Kind(cErr.Code)
		body.Message = cErr.Error()
		if len(cErr.Details) > 0 {
			body.Details = cErr.Details
		}
	}
	return body
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (s *runtimeState) close() {
	if s.resolver != nil {
		s.resolver.Close()
	}
	if s.tokenStore != nil {
		_ = s.tokenStore.Close()
	}
	if s.actionStore != nil {
		_ = s.actionStore.Close()
	}
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeNetwork, clierr.CodeUnavailable:
			return "unavailable"
		default:
			return "error"
		}
	}
	return "error"
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
