package execution

import "time"

// Observer receives engine events for metrics. Implementations must be safe
// for concurrent use.
type Observer interface {
	StepFinished(action string, status Status, elapsed time.Duration)
	Shortfall(asset string)
	ExecutionFinished(outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) StepFinished(string, Status, time.Duration) {}
func (nopObserver) Shortfall(string)                           {}
func (nopObserver) ExecutionFinished(Outcome)                  {}
