// Package saga implements the generic ordered-step saga executor (spec
// 4.F), grounded on the ordered-stage pattern in the teacher's
// applications/jam coordinator and infrastructure/fallback.Handler
// (primary/fallback chains with per-attempt bookkeeping) — both already
// run a sequence of stages with explicit per-stage state tracking.
package saga

import (
	"context"
)

// Step is a single compensable unit of work.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

// stepState tracks whether a step executed and/or was compensated, per
// spec 4.F.
type stepState struct {
	step       Step
	executed   bool
	compensated bool
}

// Result is the outcome of running a saga, per spec 4.F's exact shape.
type Result struct {
	Success             bool
	FailedStep           string
	FailureReason        string
	ExecutedSteps        []string
	CompensatedSteps      []string
	FailedCompensations  []string
}

// Run executes steps in order. On the first failure it compensates, in
// reverse order, every step that had executed successfully. Compensation
// failures are collected (not halted on) and surfaced in the result;
// compensation is skipped for steps that never executed or were already
// compensated.
func Run(ctx context.Context, steps []Step) Result {
	states := make([]*stepState, len(steps))
	for i, s := range steps {
		states[i] = &stepState{step: s}
	}

	result := Result{Success: true}

	for _, st := range states {
		if err := st.step.Execute(ctx); err != nil {
			result.Success = false
			result.FailedStep = st.step.Name()
			result.FailureReason = err.Error()
			break
		}
		st.executed = true
		result.ExecutedSteps = append(result.ExecutedSteps, st.step.Name())
	}

	if result.Success {
		return result
	}

	compensationCtx := detach(ctx)
	for i := len(states) - 1; i >= 0; i-- {
		st := states[i]
		if !st.executed || st.compensated {
			continue
		}
		if err := st.step.Compensate(compensationCtx); err != nil {
			result.FailedCompensations = append(result.FailedCompensations, st.step.Name()+": "+err.Error())
			continue
		}
		st.compensated = true
		result.CompensatedSteps = append(result.CompensatedSteps, st.step.Name())
	}

	return result
}

// detach returns a context that carries no deadline/cancellation from ctx
// but preserves its values, so compensation can complete even if the
// inbound request was canceled (spec section 5's "best-effort completion
// context").
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
