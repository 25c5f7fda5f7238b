package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/ggonzalez94/swap-cli/internal/provider/providertest"
)

func TestNormalizeQuantity(t *testing.T) {
	cases := map[string]string{
		"":                    "0x0",
		"0":                   "0x0",
		"1000000000000000000": "0xde0b6b3a7640000",
		"0x5208":              "0x5208",
		"0X00ff":              "0xff",
		"de0b6b3a7640000":     "0xde0b6b3a7640000",
		"0x":                  "0x0",
	}
	for in, want := range cases {
		got, err := provider.NormalizeQuantity(in)
		if err != nil {
			t.Fatalf("NormalizeQuantity(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeQuantity(%q) = %q, want %q", in, got, want)
		}
	}
	for _, bad := range []string{"-1", "0xzz", "1.5"} {
		if _, err := provider.NormalizeQuantity(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNormalizeOptionalQuantity(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"0":          "",
		"0x0":        "",
		"182000":     "0x2c6f0",
		"0x3b9aca00": "0x3b9aca00",
	}
	for in, want := range cases {
		got, err := provider.NormalizeOptionalQuantity(in)
		if err != nil {
			t.Fatalf("NormalizeOptionalQuantity(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeOptionalQuantity(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := provider.NormalizeOptionalQuantity("0xzz"); err == nil {
		t.Fatal("expected error for malformed gas")
	}
}

func TestWaitReceiptPollsUntilMined(t *testing.T) {
	restore := provider.ReceiptPollInterval
	provider.ReceiptPollInterval = 5 * time.Millisecond
	t.Cleanup(func() { provider.ReceiptPollInterval = restore })

	fake := providertest.New("0x1111111111111111111111111111111111111111")
	var polls int32
	fake.Handle("eth_getTransactionReceipt", func(params []json.RawMessage) (any, error) {
		if atomic.AddInt32(&polls, 1) < 3 {
			return nil, nil
		}
		return providertest.ConfirmedReceipt(params)
	})

	receipt, err := provider.WaitReceipt(context.Background(), fake, "0xabc", time.Second)
	if err != nil {
		t.Fatalf("WaitReceipt: %v", err)
	}
	if receipt.TransactionHash != "0xabc" || receipt.Status != 1 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestWaitReceiptReportsRevert(t *testing.T) {
	fake := providertest.New("0x1111111111111111111111111111111111111111")
	fake.Handle("eth_getTransactionReceipt", func([]json.RawMessage) (any, error) {
		return map[string]string{"transactionHash": "0xabc", "status": "0x0", "blockNumber": "0x1", "gasUsed": "0x1"}, nil
	})
	_, err := provider.WaitReceipt(context.Background(), fake, "0xabc", time.Second)
	if !errors.Is(err, provider.ErrReverted) {
		t.Fatalf("expected revert error, got %v", err)
	}
}
