package execution

import (
	"context"
	"path/filepath"
	"testing"

	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "actions.db"), filepath.Join(dir, "actions.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSaveGetList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	action := NewAction(IntentSwap, "eip155:8453")
	action.Steps = append(action.Steps, ActionStep{
		StepID: "swap-1",
		Type:   StepTypeSwap,
		Status: StepStatusPending,
		Target: "0x111111125421ca6dc452d289314280a0f8842a65",
		Data:   "0x",
		Value:  "0x0",
	})
	require.NoError(t, store.Save(ctx, action))

	got, err := store.Get(ctx, action.ActionID)
	require.NoError(t, err)
	require.Equal(t, action.ActionID, got.ActionID)
	require.Equal(t, IntentSwap, got.IntentType)

	got.Status = ActionStatusCompleted
	got.Result = &TxResult{TxHash: "0xABC", Mode: ModeSingle}
	require.NoError(t, store.Save(ctx, got))

	completed, err := store.List(ctx, ListFilter{Status: ActionStatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, "0xABC", completed[0].Result.TxHash)

	planned, err := store.List(ctx, ListFilter{Status: ActionStatusPlanned})
	require.NoError(t, err)
	require.Empty(t, planned)
}

func TestStoreListFiltersByIntentAndChain(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, NewAction(IntentSwap, "eip155:8453")))
	require.NoError(t, store.Save(ctx, NewAction(IntentApprove, "eip155:8453")))
	require.NoError(t, store.Save(ctx, NewAction(IntentSwap, "eip155:1")))

	swaps, err := store.List(ctx, ListFilter{Intent: IntentSwap})
	require.NoError(t, err)
	require.Len(t, swaps, 2)

	base, err := store.List(ctx, ListFilter{ChainID: "eip155:8453"})
	require.NoError(t, err)
	require.Len(t, base, 2)

	one, err := store.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, one, 1)
}

func TestStoreFindByTxHash(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	approve := NewAction(IntentApprove, "eip155:8453")
	approve.Steps = append(approve.Steps, ActionStep{StepID: "approval-1", Type: StepTypeApproval, TxHash: "0xDeadBeef"})
	require.NoError(t, store.Save(ctx, approve))

	found, err := store.FindByTxHash(ctx, "0xdeadbeef")
	require.NoError(t, err)
	require.Equal(t, approve.ActionID, found.ActionID)

	_, err = store.FindByTxHash(ctx, "0x01")
	require.True(t, clierr.Is(err, clierr.CodeUsage), "got %v", err)
}

func TestStoreGetMissingAction(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	require.True(t, clierr.Is(err, clierr.CodeUsage), "got %v", err)
}
