package execution

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/quote"
	"github.com/ggonzalez94/swap-cli/internal/registry"
)

var (
	policyERC20ABI        = mustPolicyABI(registry.ERC20ABI)
	policyApproveSelector = policyERC20ABI.Methods["approve"].ID
)

// validatePlan checks aggregator payloads before anything is signed. The swap
// call must target a real contract, and a batched approval must be an ERC-20
// approve on the sell token for the swap router, bounded by the sell amount
// unless unlimited approvals are configured.
func validatePlan(plan Plan, q quote.Quote, unlimited bool) error {
	if len(plan.Calls) == 0 {
		return clierr.New(clierr.CodeInternal, "execution plan has no calls")
	}
	swap := plan.Calls[len(plan.Calls)-1]
	router, ok := policyTarget(swap.To)
	if !ok {
		return clierr.New(clierr.CodeAggregator, "swap payload has an invalid router address")
	}
	if plan.Mode != ModeBatched {
		return nil
	}
	if len(plan.Calls) != 2 {
		return clierr.New(clierr.CodeInternal, "batched plan must hold an approval and a swap")
	}
	return validateApproval(plan.Calls[0].To, plan.Calls[0].Data, q, router, unlimited)
}

func validateApproval(target, calldata string, q quote.Quote, router common.Address, unlimited bool) error {
	sell := q.Request.SellToken
	to, ok := policyTarget(target)
	if !ok || to != common.HexToAddress(sell.Address) {
		return clierr.New(clierr.CodeAggregator, fmt.Sprintf("approval payload does not target %s", sell.Symbol))
	}
	data, err := hexutil.Decode(strings.TrimSpace(calldata))
	if err != nil || len(data) < 4 || !bytes.Equal(data[:4], policyApproveSelector) {
		return clierr.New(clierr.CodeAggregator, "approval payload must call approve(spender,amount)")
	}
	args, err := policyERC20ABI.Methods["approve"].Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeAggregator, "approval payload calldata is invalid")
	}
	spender, ok := args[0].(common.Address)
	if !ok || spender != router {
		return clierr.New(clierr.CodeAggregator, "approval spender does not match the swap router")
	}
	amount, ok := args[1].(*big.Int)
	if !ok || amount == nil || amount.Cmp(q.SellBase) < 0 {
		return clierr.New(clierr.CodeAggregator, "approval amount does not cover the sell amount")
	}
	if !unlimited && amount.Cmp(q.SellBase) > 0 {
		return clierr.New(clierr.CodeAggregator, fmt.Sprintf("approval amount %s exceeds sell amount %s", amount, q.SellBase))
	}
	return nil
}

func policyTarget(raw string) (common.Address, bool) {
	v := strings.TrimSpace(raw)
	if !common.IsHexAddress(v) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(v)
	return addr, addr != (common.Address{})
}

func mustPolicyABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
