package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/httpx"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/stretchr/testify/require"
)

const usdc = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

func lookup(address string) (string, int, bool) {
	if strings.EqualFold(address, usdc) {
		return "USDC", 6, true
	}
	return "", 0, false
}

func TestAggregatorNotEnoughBalance(t *testing.T) {
	body := []byte(fmt.Sprintf(`{"error":"Bad Request","description":"Not enough %s balance. Balance: 1000000 Amount: 5000000","statusCode":400}`, strings.ToLower(usdc)))
	err := Aggregator(http.StatusBadRequest, body, lookup)

	require.Equal(t, clierr.CodeInsufficientBalance, err.Code)
	require.Equal(t, "USDC", err.Details["symbol"])
	require.Equal(t, "1", err.Details["available"])
	require.Equal(t, "5", err.Details["requested"])
	require.Contains(t, err.Message, "insufficient USDC balance")
	require.Equal(t, http.StatusBadRequest, err.Status)
}

func TestAggregatorNotEnoughBalanceUnknownToken(t *testing.T) {
	body := []byte(`{"description":"Not enough 0x1234567890abcdef1234567890abcdef12345678 balance. Balance: 7 Amount: 9"}`)
	err := Aggregator(http.StatusBadRequest, body, lookup)

	require.Equal(t, clierr.CodeInsufficientBalance, err.Code)
	require.Equal(t, "7", err.Details["available_base"])
	require.Equal(t, "9", err.Details["requested_base"])
	require.Contains(t, err.Message, "base units")
}

func TestAggregatorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   clierr.Code
	}{
		{name: "liquidity", status: 400, body: `{"description":"insufficient liquidity"}`, want: clierr.CodeInsufficientLiquidity},
		{name: "no route", status: 400, body: `{"error":"Cannot find route for this pair"}`, want: clierr.CodeInsufficientLiquidity},
		{name: "allowance", status: 400, body: `{"description":"Not enough allowance. Allowance: 0 Amount: 100"}`, want: clierr.CodeApprovalRequired},
		{name: "invalid token", status: 400, body: `{"description":"dst is not valid address"}`, want: clierr.CodeInvalidTokenAddress},
		{name: "token not found", status: 400, body: `{"message":"Token not found"}`, want: clierr.CodeInvalidTokenAddress},
		{name: "amount", status: 400, body: `{"description":"amount is not valid"}`, want: clierr.CodeInvalidInput},
		{name: "raw text body", status: 400, body: `insufficient liquidity`, want: clierr.CodeInsufficientLiquidity},
		{name: "rate limited", status: 429, body: `{"error":"Too Many Requests"}`, want: clierr.CodeAggregator},
		{name: "server error", status: 500, body: `{"error":"Internal Server Error"}`, want: clierr.CodeAggregator},
		{name: "unknown 400", status: 400, body: `{"description":"something odd"}`, want: clierr.CodeAggregator},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Aggregator(tc.status, []byte(tc.body), lookup)
			require.Equal(t, tc.want, err.Code)
			require.Equal(t, tc.status, err.Status)
		})
	}
}

func TestAggregatorErrorCarriesRawMessage(t *testing.T) {
	err := Aggregator(http.StatusServiceUnavailable, []byte(`{"error":"upstream overloaded"}`), nil)
	require.Equal(t, clierr.CodeAggregator, err.Code)
	require.Contains(t, err.Message, "status 503")
	require.Contains(t, err.Message, "upstream overloaded")
}

func TestAggregatorErrorFromTransport(t *testing.T) {
	statusErr := clierr.Wrap(clierr.CodeUnsupported, "upstream returned status 400", &httpx.StatusError{StatusCode: 400, Body: []byte(`{"description":"insufficient liquidity"}`)})
	require.True(t, clierr.Is(AggregatorError(statusErr, nil), clierr.CodeInsufficientLiquidity))

	netErr := clierr.Wrap(clierr.CodeNetwork, "upstream request failed", errors.New("dial tcp: refused"))
	require.True(t, clierr.Is(AggregatorError(netErr, nil), clierr.CodeNetwork))

	require.True(t, clierr.Is(AggregatorError(context.DeadlineExceeded, nil), clierr.CodeNetwork))
	require.Nil(t, AggregatorError(nil, nil))
}

func TestRPC(t *testing.T) {
	require.True(t, clierr.Is(RPC(errors.New("insufficient funds for gas * price + value")), clierr.CodeInsufficientBalance))
	require.True(t, clierr.Is(RPC(errors.New("connection refused")), clierr.CodeNetwork))
	require.True(t, clierr.Is(RPC(fmt.Errorf("eth_sendTransaction: %w", provider.ErrCannotSign)), clierr.CodeSigner))

	typed := clierr.New(clierr.CodeApprovalFailed, "approval failed")
	require.Same(t, typed, RPC(typed))
}

func TestApproval(t *testing.T) {
	require.True(t, clierr.Is(Approval(errors.New("reverted")), clierr.CodeApprovalFailed))
	require.Nil(t, Approval(nil))
}
