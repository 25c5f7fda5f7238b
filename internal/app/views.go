package app

import (
	"math/big"
	"time"

	"github.com/ggonzalez94/swap-cli/internal/allowance"
	"github.com/ggonzalez94/swap-cli/internal/balance"
	"github.com/ggonzalez94/swap-cli/internal/execution"
	"github.com/ggonzalez94/swap-cli/internal/id"
	"github.com/ggonzalez94/swap-cli/internal/model"
	"github.com/ggonzalez94/swap-cli/internal/quote"
	"github.com/ggonzalez94/swap-cli/internal/token"
)

func tokenRef(t token.Token) model.TokenRef {
	return model.TokenRef{
		Symbol:   t.Symbol,
		Address:  t.DisplayAddress(),
		Decimals: int(t.Decimals),
		IsNative: t.IsNative,
	}
}

func amountInfo(base *big.Int, decimals uint8) model.AmountInfo {
	if base == nil {
		base = new(big.Int)
	}
	return model.AmountInfo{
		AmountBaseUnits: base.String(),
		AmountDecimal:   id.FormatUnits(base, int(decimals)),
		Decimals:        int(decimals),
	}
}

func allowanceView(st allowance.State) *model.AllowanceView {
	if st.Phase == "" {
		return nil
	}
	v := &model.AllowanceView{Phase: string(st.Phase), NeedsApproval: st.NeedsApproval}
	dec := int(st.Token.Decimals)
	if st.CurrentAllowance != nil {
		v.CurrentAllowance = id.FormatUnits(st.CurrentAllowance, dec)
	}
	if st.RequiredAmount != nil {
		v.RequiredAmount = id.FormatUnits(st.RequiredAmount, dec)
	}
	return v
}

func (s *runtimeState) quoteView(q quote.Quote, st *allowance.State, gen uint64) model.SwapQuote {
	sell, buy := q.Request.SellToken, q.Request.BuyToken
	dest, ok := new(big.Int).SetString(q.DestAmount, 10)
	if !ok {
		dest = new(big.Int)
	}
	view := model.SwapQuote{
		Provider:     "1inch",
		ChainID:      s.chain.CAIP2(),
		Sell:         tokenRef(sell),
		Buy:          tokenRef(buy),
		InputAmount:  amountInfo(q.SellBase, sell.Decimals),
		EstimatedOut: amountInfo(dest, buy.Decimals),
		EstimatedGas: q.EstimatedGas,
		Slippage:     q.Terms.Slippage,
		FeePercent:   q.Terms.Fee,
		Generation:   gen,
		FetchedAt:    s.runner.now().UTC().Format(time.RFC3339),
	}
	if st != nil {
		view.Allowance = allowanceView(*st)
	}
	return view
}

func (s *runtimeState) swapResultView(q quote.Quote, res execution.TxResult) model.SwapResult {
	return model.SwapResult{
		ActionID:       res.ActionID,
		ChainID:        s.chain.CAIP2(),
		Mode:           string(res.Mode),
		TxHash:         res.TxHash,
		ContractCalled: res.ContractCalled,
		Sell:           tokenRef(q.Request.SellToken),
		Buy:            tokenRef(q.Request.BuyToken),
		AmountIn:       amountInfo(q.SellBase, q.Request.SellToken.Decimals),
		AmountOut:      res.AmountOut,
		FeeAmount:      res.FeeAmount,
	}
}

func (s *runtimeState) approvalView(res allowance.ApprovalResult) model.ApprovalResult {
	view := model.ApprovalResult{
		ActionID: res.ActionID,
		ChainID:  s.chain.CAIP2(),
		Token:    tokenRef(res.State.Token),
		Spender:  res.Spender,
		TxHash:   res.TxHash,
		Amount:   res.Amount,
	}
	if v := allowanceView(res.State); v != nil {
		view.State = *v
	}
	return view
}

func (s *runtimeState) balanceSheet(snap balance.Snapshot) model.BalanceSheet {
	sheet := model.BalanceSheet{
		ChainID:   s.chain.CAIP2(),
		Account:   snap.Account,
		UpdatedAt: snap.UpdatedAt.UTC().Format(time.RFC3339),
		Balances:  make([]model.BalanceRow, 0, len(snap.Entries)),
	}
	for _, e := range snap.Entries {
		sheet.Balances = append(sheet.Balances, model.BalanceRow{
			Symbol:    e.Token.Symbol,
			Address:   e.Token.DisplayAddress(),
			BaseUnits: e.Base,
			Amount:    e.Amount,
			IsCustom:  e.Token.IsCustom,
			Error:     e.Error,
		})
	}
	return sheet
}

func tokenRow(t token.Token) model.TokenRow {
	return model.TokenRow{
		Symbol:   t.Symbol,
		Name:     t.Name,
		Address:  t.DisplayAddress(),
		Decimals: int(t.Decimals),
		IsNative: t.IsNative,
		IsCustom: t.IsCustom,
	}
}

func customRow(e token.CustomEntry) model.TokenRow {
	row := tokenRow(e.Token)
	row.Source = e.Source
	if !e.AddedAt.IsZero() {
		row.AddedAt = e.AddedAt.UTC().Format(time.RFC3339)
	}
	return row
}
