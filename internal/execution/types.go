package execution

import (
	"encoding/json"
	"time"
)

type StepKind string

type Status string

type Outcome string

const (
	StepKindFunding   StepKind = "funding"
	StepKindTool      StepKind = "tool"
	StepKindRemainder StepKind = "remainder"
)

const (
	ActionExternalFunding = "external_funding"
	ActionSendRemaining   = "send_remaining"

	ParamAmount = "amount"
	ParamAsset  = "asset"

	// CompensationStepID identifies the synthetic refund step appended after
	// a failure. It never appears in a plan.
	CompensationStepID = -1
)

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

const (
	OutcomePending            Outcome = "pending"
	OutcomeRunning            Outcome = "running"
	OutcomeCompleted          Outcome = "completed"
	OutcomeCompensated        Outcome = "compensated"
	OutcomeCompensatedPartial Outcome = "compensated_partial"
	OutcomeCompensationFailed Outcome = "compensation_failed"
	OutcomeInterrupted        Outcome = "interrupted"
)

// Terminal reports whether no further work will happen for the outcome.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeCompleted, OutcomeCompensated, OutcomeCompensatedPartial, OutcomeCompensationFailed, OutcomeInterrupted:
		return true
	default:
		return false
	}
}

type Step struct {
	StepID     int               `json:"step_id" yaml:"step_id"`
	Kind       StepKind          `json:"kind" yaml:"kind"`
	Action     string            `json:"action" yaml:"action"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Plan is produced once by the planner and never mutated afterwards.
// InitialAmount is a human decimal in InitialToken units.
type Plan struct {
	Valid              bool   `json:"valid" yaml:"valid"`
	Reason             string `json:"reason,omitempty" yaml:"reason,omitempty"`
	InitialToken       string `json:"initial_token" yaml:"initial_token"`
	InitialAmount      string `json:"initial_amount" yaml:"initial_amount"`
	DestinationAddress string `json:"destination_address" yaml:"destination_address"`
	Steps              []Step `json:"steps" yaml:"steps"`
}

type StepStatus struct {
	StepID     int      `json:"step_id"`
	Status     Status   `json:"status"`
	TxRef      string   `json:"tx_ref,omitempty"`
	TxRefs     []string `json:"tx_refs,omitempty"`
	Result     string   `json:"result,omitempty"`
	Error      string   `json:"error,omitempty"`
	StartedAt  string   `json:"started_at,omitempty"`
	FinishedAt string   `json:"finished_at,omitempty"`
}

type AmountRecord struct {
	Asset        string `json:"asset"`
	HumanAmount  string `json:"human_amount"`
	AtomicAmount string `json:"atomic_amount"`
}

type ExecutionState struct {
	ExecutionID string       `json:"execution_id"`
	Plan        Plan         `json:"plan"`
	Steps       []StepStatus `json:"steps"`
	CurrentStep int          `json:"current_step"`
	IsComplete  bool         `json:"is_complete"`
	Error       string       `json:"error,omitempty"`
	ErrorType   string       `json:"error_type,omitempty"`
	Outcome     Outcome      `json:"outcome"`

	OriginalUserAmount *AmountRecord `json:"original_user_amount,omitempty"`
	// UserShouldReceive is the liquid amount attributable to the user.
	UserShouldReceive Ledger `json:"user_should_receive"`
	// UserEscrowed is what this execution moved into positions.
	UserEscrowed  Ledger `json:"user_escrowed"`
	FundingSource string `json:"funding_source,omitempty"`
	FundingTxRef  string `json:"funding_tx_ref,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func NewExecutionState(executionID string, plan Plan) ExecutionState {
	now := time.Now().UTC().Format(time.RFC3339)
	steps := make([]StepStatus, len(plan.Steps))
	for i, step := range plan.Steps {
		steps[i] = StepStatus{StepID: step.StepID, Status: StatusPending}
	}
	return ExecutionState{
		ExecutionID: executionID,
		Plan:        plan,
		Steps:       steps,
		Outcome:     OutcomePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *ExecutionState) Touch() {
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// Funded reports whether step 0 was confirmed.
func (s ExecutionState) Funded() bool {
	return s.OriginalUserAmount != nil && len(s.Steps) > 0 && s.Steps[0].Status == StatusCompleted
}

func (s ExecutionState) compensationIndex() int {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].StepID == CompensationStepID {
			return i
		}
	}
	return -1
}

// Compensation returns the synthetic refund step, if one was appended.
func (s ExecutionState) Compensation() (StepStatus, bool) {
	idx := s.compensationIndex()
	if idx < 0 {
		return StepStatus{}, false
	}
	return s.Steps[idx], true
}

// Clone returns a deep copy that shares no maps or slices with s.
func (s ExecutionState) Clone() ExecutionState {
	buf, err := encodeState(s)
	if err != nil {
		return s
	}
	out, err := decodeState(buf)
	if err != nil {
		return s
	}
	return out
}

func encodeState(s ExecutionState) ([]byte, error) {
	return json.Marshal(s)
}

func decodeState(payload []byte) (ExecutionState, error) {
	var s ExecutionState
	if err := json.Unmarshal(payload, &s); err != nil {
		return ExecutionState{}, err
	}
	return s, nil
}
