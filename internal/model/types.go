package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int               `json:"code"`
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	ChainID   string           `json:"chain_id,omitempty"`
	Wallet    *WalletInfo      `json:"wallet,omitempty"`
	Providers []ProviderStatus `json:"providers,omitempty"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

// WalletInfo describes the resolved wallet provider.
type WalletInfo struct {
	Source  string `json:"source"`
	Address string `json:"address"`
	Batch   bool   `json:"batch"`
	CanSign bool   `json:"can_sign"`
}

type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

type TokenRef struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
	IsNative bool   `json:"is_native,omitempty"`
}

type AllowanceView struct {
	Phase            string `json:"phase"`
	CurrentAllowance string `json:"current_allowance,omitempty"`
	RequiredAmount   string `json:"required_amount,omitempty"`
	NeedsApproval    bool   `json:"needs_approval"`
}

type SwapQuote struct {
	Provider     string         `json:"provider"`
	ChainID      string         `json:"chain_id"`
	Sell         TokenRef       `json:"sell"`
	Buy          TokenRef       `json:"buy"`
	InputAmount  AmountInfo     `json:"input_amount"`
	EstimatedOut AmountInfo     `json:"estimated_out"`
	EstimatedGas int64          `json:"estimated_gas"`
	Slippage     string         `json:"slippage_pct"`
	FeePercent   string         `json:"fee_pct,omitempty"`
	Allowance    *AllowanceView `json:"allowance,omitempty"`
	Generation   uint64         `json:"generation,omitempty"`
	FetchedAt    string         `json:"fetched_at"`
}

type SwapResult struct {
	ActionID       string     `json:"action_id,omitempty"`
	ChainID        string     `json:"chain_id"`
	Mode           string     `json:"mode"`
	TxHash         string     `json:"tx_hash"`
	ContractCalled string     `json:"contract_called"`
	Sell           TokenRef   `json:"sell"`
	Buy            TokenRef   `json:"buy"`
	AmountIn       AmountInfo `json:"amount_in"`
	AmountOut      string     `json:"amount_out"`
	FeeAmount      string     `json:"fee_amount"`
	// Approval is set when the run approved the sell token first.
	Approval *ApprovalResult `json:"approval,omitempty"`
}

type ApprovalResult struct {
	ActionID string        `json:"action_id,omitempty"`
	ChainID  string        `json:"chain_id"`
	Token    TokenRef      `json:"token"`
	Spender  string        `json:"spender"`
	TxHash   string        `json:"tx_hash"`
	Amount   string        `json:"amount"`
	State    AllowanceView `json:"state"`
}

type BalanceRow struct {
	Symbol    string `json:"symbol"`
	Address   string `json:"address"`
	BaseUnits string `json:"base_units"`
	Amount    string `json:"amount"`
	IsCustom  bool   `json:"is_custom,omitempty"`
	Error     string `json:"error,omitempty"`
}

type BalanceSheet struct {
	ChainID   string       `json:"chain_id"`
	Account   string       `json:"account"`
	UpdatedAt string       `json:"updated_at"`
	Balances  []BalanceRow `json:"balances"`
}

type TokenRow struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
	IsNative bool   `json:"is_native"`
	IsCustom bool   `json:"is_custom"`
	Source   string `json:"source,omitempty"`
	AddedAt  string `json:"added_at,omitempty"`
}

type TokenInspection struct {
	ChainID  string `json:"chain_id"`
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	// DecimalsDefaulted is set when decimals() failed and 18 was assumed.
	DecimalsDefaulted bool  `json:"decimals_defaulted,omitempty"`
	Liquid            *bool `json:"liquid,omitempty"`
	Registered        bool  `json:"registered"`
}

// StreamEvent is one line of a watch or interactive stream.
type StreamEvent struct {
	Kind       string     `json:"kind"`
	Generation uint64     `json:"generation,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Data       any        `json:"data,omitempty"`
	Error      *ErrorBody `json:"error,omitempty"`
}
