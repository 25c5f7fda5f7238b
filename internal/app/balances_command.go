package app

import (
	"context"
	"time"

	"github.com/ggonzalez94/swap-cli/internal/balance"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/metrics"
	"github.com/ggonzalez94/swap-cli/internal/model"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newBalancesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Read wallet balances for every known token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			reg, err := s.tokenRegistry(ctx)
			if err != nil {
				return err
			}
			p, err := s.walletResolver().Require(ctx)
			if err != nil {
				return err
			}
			start := time.Now()
			snap, err := s.newTracker(p, reg).Refresh(ctx)
			status := []model.ProviderStatus{{Name: p.Source(), Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			if err != nil {
				return err
			}
			var warnings []string
			for _, e := range snap.Entries {
				if e.Error != "" {
					warnings = append(warnings, e.Token.Symbol+": "+e.Error)
				}
			}
			s.lastWarnings = warnings
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.balanceSheet(snap), warnings, status)
		},
	}
	return cmd
}

func (s *runtimeState) newWatchCommand() *cobra.Command {
	var metricsAddr, intervalArg string
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll balances and stream a snapshot per refresh",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			if intervalArg != "" {
				d, err := time.ParseDuration(intervalArg)
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "parse --interval", err)
				}
				s.settings.PollInterval = d
			}
			if clamped := balance.ClampInterval(s.settings.PollInterval); clamped != s.settings.PollInterval {
				s.log.WithField("interval", clamped).Warn("poll interval clamped")
				s.settings.PollInterval = clamped
			}

			reg, err := s.tokenRegistry(ctx)
			if err != nil {
				return err
			}
			p, err := s.walletResolver().Require(ctx)
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				metrics.RegisterMetrics(s.log)
				srv, err := metrics.StartServer(metricsAddr, s.log)
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "start metrics server", err)
				}
				defer func() {
					stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					_ = srv.Stop(stopCtx)
				}()
			}

			tracker := s.newTracker(p, reg)
			reg.OnChange(tracker.Trigger)
			runCtx, stopRun := context.WithCancel(ctx)
			defer stopRun()
			seen := 0
			return tracker.Run(runCtx, func(snap balance.Snapshot) {
				s.emitEvent("balances", 0, s.balanceSheet(snap), nil)
				seen++
				if count > 0 && seen >= count {
					stopRun()
				}
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	cmd.Flags().StringVar(&intervalArg, "interval", "", "Poll interval, clamped to 10s-15s")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many snapshots (0 runs until interrupted)")
	return cmd
}
