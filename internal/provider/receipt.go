package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrReverted marks a mined transaction whose receipt reports failure.
var ErrReverted = errors.New("transaction reverted on-chain")

var ReceiptPollInterval = 2 * time.Second

// WaitReceipt polls for the receipt of hash until it is mined, timeout passes
// or ctx ends. A status 0 receipt is returned together with ErrReverted.
func WaitReceipt(ctx context.Context, p Provider, hash string, timeout time.Duration) (*Receipt, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(ReceiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := TransactionReceipt(ctx, p, hash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			if receipt.Status == 0 {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, hash)
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// NormalizeQuantity turns a decimal, 0x-hex or bare-hex quantity into a
// canonical 0x hex quantity. Bare strings are read as decimal unless they
// contain hex letters. Empty input yields "0x0".
func NormalizeQuantity(v string) (string, error) {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return "0x0", nil
	}
	base := 10
	digits := raw
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "0x"):
		base, digits = 16, lower[2:]
		if digits == "" {
			return "0x0", nil
		}
	case strings.ContainsAny(lower, "abcdef"):
		base, digits = 16, lower
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok || n.Sign() < 0 {
		return "", fmt.Errorf("invalid quantity %q", v)
	}
	return hexutil.EncodeBig(n), nil
}

// NormalizeOptionalQuantity is NormalizeQuantity for gas fields the node may
// fill in itself: empty and zero inputs yield "".
func NormalizeOptionalQuantity(v string) (string, error) {
	out, err := NormalizeQuantity(v)
	if err != nil || out == "0x0" {
		return "", err
	}
	return out, nil
}
