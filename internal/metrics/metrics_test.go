package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRecordCounters(t *testing.T) {
	before := testutil.ToFloat64(swapsTotal.WithLabelValues("single", OutcomeOK))
	RecordSwap("single", nil)
	require.Equal(t, before+1, testutil.ToFloat64(swapsTotal.WithLabelValues("single", OutcomeOK)))

	before = testutil.ToFloat64(quotesTotal.WithLabelValues(OutcomeError, "invalid_input"))
	RecordQuote("invalid_input", errors.New("bad amount"))
	require.Equal(t, before+1, testutil.ToFloat64(quotesTotal.WithLabelValues(OutcomeError, "invalid_input")))
}

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	logger := quietLogger()
	RegisterMetrics(logger)
	RegisterMetrics(logger)
}

func TestServerExposesMetrics(t *testing.T) {
	logger := quietLogger()
	RegisterMetrics(logger)
	ObserveAggregator("quote", time.Now(), nil)

	srv, err := StartServer("127.0.0.1:0", logger)
	require.NoError(t, err)
	defer func() { _ = srv.Stop(context.Background()) }()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(string(body), "swap_aggregator_request_duration_seconds"))
}
