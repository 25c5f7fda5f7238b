// Package metrics exposes Prometheus collectors for the swap flow.
//
// Collectors are package-level and registered once on the default registry:
//
//	metrics.RegisterMetrics(logger)
//	srv := metrics.StartServer(":9100", logger)
//	defer srv.Stop(context.Background())
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// RegisterMetrics registers the Go, process and swap collectors.
func RegisterMetrics(logger logrus.FieldLogger) {
	registerIfNotExists(collectors.NewGoCollector(), "go_collector", logger)
	registerIfNotExists(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), "process_collector", logger)

	registerIfNotExists(quotesTotal, "quotes_total", logger)
	registerIfNotExists(approvalsTotal, "approvals_total", logger)
	registerIfNotExists(swapsTotal, "swaps_total", logger)
	registerIfNotExists(balanceRefreshesTotal, "balance_refreshes_total", logger)
	registerIfNotExists(aggregatorRequestDuration, "aggregator_request_duration", logger)
}

func registerIfNotExists(collector prometheus.Collector, name string, logger logrus.FieldLogger) {
	if err := prometheus.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegErr) {
			logger.Debugf("%s already registered", name)
			return
		}
		logger.Errorf("Failed to register %s: %v", name, err)
	}
}
