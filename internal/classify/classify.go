// Package classify maps aggregator and RPC failures onto the swap error
// taxonomy by content, not by status code.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/httpx"
	"github.com/ggonzalez94/swap-cli/internal/id"
	"github.com/ggonzalez94/swap-cli/internal/provider"
)

// SymbolLookup resolves a token address to its symbol and decimals.
type SymbolLookup func(address string) (symbol string, decimals int, ok bool)

var (
	addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)
	balancePattern = regexp.MustCompile(`(?i)balance:\s*([0-9]+)`)
	amountPattern  = regexp.MustCompile(`(?i)amount:\s*([0-9]+)`)
	notEnoughBal   = regexp.MustCompile(`(?i)not enough\s+(0x[0-9a-f]{40}\s+|[a-z0-9]+\s+)?balance`)
)

var (
	allowancePhrases = []string{"not enough allowance", "allowance"}
	liquidityPhrases = []string{"insufficient liquidity", "no liquidity", "cannot find route", "no route"}
	tokenPhrases     = []string{
		"invalid token", "is not a valid address", "token not found", "unknown token", "cannot sync token",
		"src is not valid", "dst is not valid", "src must be", "dst must be", "src and dst tokens must be different",
	}
	amountPhrases = []string{"amount is not valid", "invalid amount", "amount must be", "amount: must be", "amount should be"}
)

type upstreamBody struct {
	Error       string `json:"error"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// upstreamMessage prefers description, then error, then message, and falls back
// to the raw body.
func upstreamMessage(body []byte) string {
	var parsed upstreamBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		for _, v := range []string{parsed.Description, parsed.Error, parsed.Message} {
			if strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return strings.TrimSpace(string(body))
}

// Aggregator classifies one non-success aggregator response.
func Aggregator(status int, body []byte, symbols SymbolLookup) *clierr.Error {
	message := upstreamMessage(body)
	lower := strings.ToLower(message)
	if lower == "" {
		lower = strings.ToLower(string(body))
	}

	switch {
	case containsAny(lower, allowancePhrases):
		return withStatus(clierr.New(clierr.CodeApprovalRequired, "token approval required before swapping"), status, message)
	case notEnoughBal.MatchString(lower):
		return withStatus(insufficientBalance(message, symbols), status, message)
	case containsAny(lower, liquidityPhrases):
		return withStatus(clierr.New(clierr.CodeInsufficientLiquidity, "not enough liquidity to route this swap"), status, message)
	case containsAny(lower, tokenPhrases):
		return withStatus(clierr.New(clierr.CodeInvalidTokenAddress, "token address is not a tradable ERC-20 token"), status, message)
	case containsAny(lower, amountPhrases):
		return withStatus(clierr.New(clierr.CodeInvalidInput, "aggregator rejected the amount"), status, message)
	}

	text := message
	if text == "" {
		text = "empty response"
	}
	return withStatus(clierr.New(clierr.CodeAggregator, fmt.Sprintf("aggregator error (status %d): %s", status, text)), status, message)
}

func insufficientBalance(message string, symbols SymbolLookup) *clierr.Error {
	address := addressPattern.FindString(message)
	symbol := ""
	decimals := -1
	if address != "" && symbols != nil {
		if s, d, ok := symbols(address); ok {
			symbol, decimals = s, d
		}
	}
	if symbol == "" {
		symbol = address
	}

	available := firstGroup(balancePattern, message)
	requested := firstGroup(amountPattern, message)

	text := "insufficient balance"
	if symbol != "" {
		text = fmt.Sprintf("insufficient %s balance", symbol)
	}
	if available != "" && requested != "" {
		if decimals >= 0 {
			text = fmt.Sprintf("%s: available %s, requested %s", text, id.FormatBaseString(available, decimals), id.FormatBaseString(requested, decimals))
		} else {
			text = fmt.Sprintf("%s: available %s, requested %s (base units)", text, available, requested)
		}
	}

	out := clierr.New(clierr.CodeInsufficientBalance, text)
	if symbol != "" {
		out.WithDetail("symbol", symbol)
	}
	if address != "" {
		out.WithDetail("token", strings.ToLower(address))
	}
	if available != "" {
		out.WithDetail("available_base", available)
	}
	if requested != "" {
		out.WithDetail("requested_base", requested)
	}
	if decimals >= 0 && available != "" && requested != "" {
		out.WithDetail("available", id.FormatBaseString(available, decimals))
		out.WithDetail("requested", id.FormatBaseString(requested, decimals))
	}
	return out
}

// AggregatorError classifies any error returned by the aggregator transport.
func AggregatorError(err error, symbols SymbolLookup) error {
	if err == nil {
		return nil
	}
	if statusErr, ok := httpx.AsStatusError(err); ok {
		return Aggregator(statusErr.StatusCode, statusErr.Body, symbols)
	}
	if isTaxonomy(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || clierr.Is(err, clierr.CodeNetwork) {
		return clierr.Wrap(clierr.CodeNetwork, "aggregator unreachable", err)
	}
	return clierr.Wrap(clierr.CodeAggregator, "aggregator request failed", err)
}

var insufficientFundsPhrases = []string{"insufficient funds", "insufficient balance for transfer", "exceeds balance"}

// RPC classifies a provider failure.
func RPC(err error) error {
	if err == nil {
		return nil
	}
	if isTaxonomy(err) || clierr.Is(err, clierr.CodeSigner) || clierr.Is(err, clierr.CodeUsage) {
		return err
	}
	if errors.Is(err, provider.ErrCannotSign) {
		return clierr.Wrap(clierr.CodeSigner, "connected wallet is read-only", err)
	}
	lower := strings.ToLower(err.Error())
	if containsAny(lower, insufficientFundsPhrases) {
		return clierr.Wrap(clierr.CodeInsufficientBalance, "insufficient native balance to cover value and gas", err)
	}
	if strings.Contains(lower, "user rejected") || strings.Contains(lower, "user denied") {
		return clierr.Wrap(clierr.CodeNetwork, "request rejected in wallet", err)
	}
	return clierr.Wrap(clierr.CodeNetwork, "rpc request failed", err)
}

// Approval classifies a failed approval submission or receipt.
func Approval(err error) error {
	if err == nil {
		return nil
	}
	if clierr.Is(err, clierr.CodeApprovalFailed) {
		return err
	}
	return clierr.Wrap(clierr.CodeApprovalFailed, "approval transaction failed", err)
}

func isTaxonomy(err error) bool {
	typed, ok := clierr.As(err)
	return ok && typed.Code >= clierr.CodeInvalidInput && typed.Code <= clierr.CodeAggregator
}

func withStatus(err *clierr.Error, status int, message string) *clierr.Error {
	err.Status = status
	if message != "" {
		err.WithDetail("upstream", message)
	}
	return err
}

func containsAny(v string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(v, needle) {
			return true
		}
	}
	return false
}

func firstGroup(re *regexp.Regexp, v string) string {
	m := re.FindStringSubmatch(v)
	if len(m) < 2 {
		return ""
	}
	if _, ok := new(big.Int).SetString(m[1], 10); !ok {
		return ""
	}
	return m[1]
}
