package token

import (
	"testing"

	"github.com/ggonzalez94/swap-cli/internal/id"
)

func base(t *testing.T) id.Chain {
	t.Helper()
	chain, err := id.ParseChain("base")
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	return chain
}

func TestNativeSpellingsShareKey(t *testing.T) {
	chain := base(t)
	for _, addr := range []string{"", ZeroAddress, NativeSentinel, "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"} {
		if got := CanonicalKey(addr); got != NativeKey {
			t.Fatalf("expected %q to canonicalize to native, got %q", addr, got)
		}
	}
	if got := CanonicalKey(chain.WrappedNative); got == NativeKey {
		t.Fatal("wrapped native must keep its own identity")
	}
	if got := BalanceKey(chain, chain.WrappedNative); got != NativeKey {
		t.Fatalf("wrapped native balance should alias native, got %q", got)
	}
}

func TestNativeTokenUsesSentinelForAggregator(t *testing.T) {
	native := Native(base(t))
	if native.AggregatorAddress() != NativeSentinel {
		t.Fatalf("unexpected aggregator address: %s", native.AggregatorAddress())
	}
	if native.Decimals != 18 || native.Symbol != "ETH" {
		t.Fatalf("unexpected native token: %+v", native)
	}
}

func TestBuiltinsStartWithNativeAndSkipWrapped(t *testing.T) {
	chain := base(t)
	list := Builtins(chain)
	if len(list) < 2 || !list[0].IsNative {
		t.Fatalf("expected native first, got %+v", list)
	}
	for _, tok := range list[1:] {
		if BalanceKey(chain, tok.Address) == NativeKey {
			t.Fatalf("builtin %s aliases native", tok.Symbol)
		}
	}
	ref, ok := ReferenceStable(chain)
	if !ok || ref.Symbol != "USDC" {
		t.Fatalf("expected USDC reference stable, got %+v ok=%v", ref, ok)
	}
}
