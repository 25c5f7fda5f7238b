package execution

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type ActionStatus string

type StepStatus string

type StepType string

const (
	ActionStatusPlanned   ActionStatus = "planned"
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSubmitted StepStatus = "submitted"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

const (
	StepTypeApproval StepType = "approval"
	StepTypeSwap     StepType = "swap"
)

const (
	IntentSwap    = "swap"
	IntentApprove = "approve"
)

type ActionStep struct {
	StepID      string     `json:"step_id"`
	Type        StepType   `json:"type"`
	Status      StepStatus `json:"status"`
	Description string     `json:"description,omitempty"`
	Target      string     `json:"target"`
	Data        string     `json:"data"`
	Value       string     `json:"value"`
	// BatchID is set when the step was submitted inside wallet_sendCalls.
	BatchID string `json:"batch_id,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Action is one journaled swap or approval attempt.
type Action struct {
	ActionID    string       `json:"action_id"`
	IntentType  string       `json:"intent_type"`
	Provider    string       `json:"provider,omitempty"`
	Mode        Mode         `json:"mode,omitempty"`
	Status      ActionStatus `json:"status"`
	ChainID     string       `json:"chain_id"`
	FromAddress string       `json:"from_address,omitempty"`
	SellToken   string       `json:"sell_token,omitempty"`
	BuyToken    string       `json:"buy_token,omitempty"`
	InputAmount string       `json:"input_amount,omitempty"`
	Slippage    string       `json:"slippage,omitempty"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
	Steps       []ActionStep `json:"steps"`
	Result      *TxResult    `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
}

func NewActionID() string {
	return "act_" + uuid.NewString()
}

func NewAction(intentType, chainID string) Action {
	now := time.Now().UTC().Format(time.RFC3339)
	return Action{
		ActionID:   NewActionID(),
		IntentType: intentType,
		Status:     ActionStatusPlanned,
		ChainID:    chainID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Steps:      []ActionStep{},
	}
}

func (a *Action) Touch() {
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

func (a *Action) fail(step *ActionStep, err error) {
	if step != nil {
		step.Status = StepStatusFailed
		step.Error = err.Error()
	}
	a.Status = ActionStatusFailed
	a.Error = err.Error()
	a.Touch()
}

// txHash is the hash the action is indexed under: the swap result, else the
// last submitted step.
func (a Action) txHash() string {
	if a.Result != nil && a.Result.TxHash != "" {
		return strings.ToLower(a.Result.TxHash)
	}
	for i := len(a.Steps) - 1; i >= 0; i-- {
		if a.Steps[i].TxHash != "" {
			return strings.ToLower(a.Steps[i].TxHash)
		}
	}
	return ""
}
