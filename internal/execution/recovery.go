package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

// RecoveryPolicy decides what happens to funded executions that were still
// running when the process stopped. Resuming mid-saga is not offered: a
// step interrupted after broadcast cannot be told apart from one that never
// ran without re-deriving chain state.
type RecoveryPolicy string

const (
	RecoverCompensate RecoveryPolicy = "compensate"
	RecoverManual     RecoveryPolicy = "manual"
	RecoverNone       RecoveryPolicy = "none"
)

func ParseRecoveryPolicy(v string) (RecoveryPolicy, error) {
	switch RecoveryPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", RecoverCompensate:
		return RecoverCompensate, nil
	case RecoverManual:
		return RecoverManual, nil
	case RecoverNone:
		return RecoverNone, nil
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported recovery policy %q (expected compensate|manual|none)", v))
	}
}

type RecoveryReport struct {
	Compensated []string `json:"compensated,omitempty"`
	Flagged     []string `json:"flagged,omitempty"`
	// Pending executions were never funded and stay open for funding.
	Pending []string `json:"pending,omitempty"`
}

const recoveryScanLimit = 1000

// Recover applies policy to every incomplete execution in the store. It is
// meant to run once at startup, before the service accepts requests.
func (s *Service) Recover(ctx context.Context, policy RecoveryPolicy) (RecoveryReport, error) {
	var report RecoveryReport
	if policy == RecoverNone {
		return report, nil
	}
	states, err := s.store.List(ctx, ListFilter{Incomplete: true, Limit: recoveryScanLimit})
	if err != nil {
		return report, err
	}
	for _, state := range states {
		if !state.Funded() {
			report.Pending = append(report.Pending, state.ExecutionID)
			continue
		}
		log := s.log.With(slog.String("execution_id", state.ExecutionID), slog.String("policy", string(policy)))
		idx := state.CurrentStep
		// A pending current step means the process stopped between funding
		// and the runner's first save; it is the step that did not finish.
		if idx >= 0 && idx < len(state.Steps) && (state.Steps[idx].Status == StatusRunning || state.Steps[idx].Status == StatusPending) {
			state.Steps[idx].Status = StatusError
			state.Steps[idx].Error = "interrupted by restart"
			state.Steps[idx].FinishedAt = now()
		}
		state.IsComplete = true
		state.ErrorType = clierr.CodeStepExecutionFailed.Name()

		switch policy {
		case RecoverManual:
			state.Outcome = OutcomeInterrupted
			state.Error = fmt.Sprintf("interrupted at step %d, manual intervention required", idx)
			state.Touch()
			if err := s.store.Update(ctx, state); err != nil {
				return report, err
			}
			log.Warn("execution flagged for manual intervention")
			report.Flagged = append(report.Flagged, state.ExecutionID)
		default:
			state.Error = fmt.Sprintf("step %d interrupted by restart", idx)
			s.runner.compensate(ctx, &state, idx)
			log.Warn("interrupted execution compensated", slog.String("outcome", string(state.Outcome)))
			report.Compensated = append(report.Compensated, state.ExecutionID)
		}
	}
	return report, nil
}
