package orchestrator

import (
	"errors"

	"luminara.dev/orchestrator/internal/contextengine"
	"luminara.dev/orchestrator/internal/planner"
	"luminara.dev/orchestrator/internal/resolver"
	"luminara.dev/orchestrator/internal/scheduler"
	"luminara.dev/orchestrator/internal/timeline"
	"luminara.dev/orchestrator/internal/verify"
)

// OrchestrationResult is the structured outcome returned to the hosting
// editor. A run where every task fails still produces a result rather than
// an error; only pre-execution failures (budget, planning) and timeline
// corruption surface as errors from Run.
type OrchestrationResult struct {
	Committed       []*timeline.Operation
	Failed          []scheduler.TaskFailure
	Skipped         []planner.TaskID
	Cancelled       []planner.TaskID
	MessagesDropped int64
	States          map[planner.TaskID]scheduler.TaskState
}

func (o *Orchestrator) wrapResult(res *scheduler.Result) *OrchestrationResult {
	return &OrchestrationResult{
		Committed:       res.Committed,
		Failed:          res.Failed,
		Skipped:         res.Skipped,
		Cancelled:       res.Cancelled,
		MessagesDropped: o.Bus.DroppedCount(),
		States:          res.States,
	}
}

// Exit codes surfaced to the hosting editor, per the external interface
// contract.
const (
	ExitSuccess        = 0
	ExitResolveFailure = 1
	ExitVerifyFailure  = 2
	ExitRollback       = 3
	ExitBudget         = 4
	ExitCorruption     = 5
)

// ExitCode maps a run outcome to the editor-facing exit code. The most
// severe applicable code wins: corruption over budget over rollback over
// verification over resolution.
func ExitCode(result *OrchestrationResult, err error) int {
	if err != nil {
		var corruption timeline.ErrCorruption
		if errors.As(err, &corruption) {
			return ExitCorruption
		}
		var budget contextengine.ErrBudgetExhausted
		if errors.As(err, &budget) {
			return ExitBudget
		}
	}
	if result == nil {
		if err != nil {
			return ExitVerifyFailure
		}
		return ExitSuccess
	}

	code := ExitSuccess
	for _, f := range result.Failed {
		switch classifyFailure(f.Err) {
		case ExitCorruption:
			return ExitCorruption
		case ExitBudget:
			code = maxCode(code, ExitBudget)
		case ExitRollback:
			code = maxCode(code, ExitRollback)
		case ExitVerifyFailure:
			code = maxCode(code, ExitVerifyFailure)
		case ExitResolveFailure:
			code = maxCode(code, ExitResolveFailure)
		}
	}
	return code
}

func classifyFailure(err error) int {
	var (
		corruption timeline.ErrCorruption
		budget     contextengine.ErrBudgetExhausted
		rollback   verify.ErrMonitoredRollback
		static     verify.ErrStaticRejected
		limit      verify.LimitExceeded
		crash      verify.ErrSandboxCrash
		rejected   verify.ErrWorldRejected
		dryEmpty   verify.ErrDryRunEmpty
		resolve    *resolver.ResolveError
	)
	switch {
	case errors.As(err, &corruption):
		return ExitCorruption
	case errors.As(err, &budget):
		return ExitBudget
	case errors.As(err, &rollback):
		return ExitRollback
	case errors.As(err, &static), errors.As(err, &limit), errors.As(err, &crash),
		errors.As(err, &rejected), errors.As(err, &dryEmpty):
		return ExitVerifyFailure
	case errors.As(err, &resolve):
		return ExitResolveFailure
	default:
		return ExitVerifyFailure
	}
}

func maxCode(a, b int) int {
	if a > b {
		return a
	}
	return b
}
