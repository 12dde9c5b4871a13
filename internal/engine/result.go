package engine

import (
	"errors"

	"rolegate/internal/domain"
)

type ResultKind string

const (
	ResultAdvanced  ResultKind = "advanced"
	ResultComplete  ResultKind = "complete"
	ResultBlocked   ResultKind = "blocked"
	ResultEscalated ResultKind = "escalated"
	ResultAborted   ResultKind = "aborted"
	ResultRejected  ResultKind = "rejected"
)

// TransitionResult reports what one Advance call did.
type TransitionResult struct {
	Kind       ResultKind                  `json:"result"`
	Run        domain.Run                  `json:"run"`
	Transition *domain.Transition          `json:"transition,omitempty"`
	Missing    []domain.MissingDependency  `json:"missing,omitempty"`
	Escalation *domain.EscalationRecord    `json:"escalation,omitempty"`
	Flag       *domain.SystemicPatternFlag `json:"pattern_flag,omitempty"`
	Reason     string                      `json:"reason,omitempty"`
	Err        error                       `json:"-"`
}

const (
	ExitOK        = 0
	ExitBlocked   = 1
	ExitEscalated = 2
	ExitAborted   = 3
	ExitRejected  = 4
	ExitError     = 5
)

// ExitCode maps a result and the error returned with it to a process exit code.
func ExitCode(res TransitionResult, err error) int {
	if err != nil {
		var dl domain.ArbitrationDeadlockError
		var cv domain.ContractViolationError
		switch {
		case errors.As(err, &dl):
			return ExitEscalated
		case errors.As(err, &cv), errors.Is(err, domain.ErrForbidden):
			return ExitRejected
		default:
			return ExitError
		}
	}
	switch res.Kind {
	case ResultAdvanced, ResultComplete:
		return ExitOK
	case ResultBlocked:
		return ExitBlocked
	case ResultEscalated:
		return ExitEscalated
	case ResultAborted:
		return ExitAborted
	case ResultRejected:
		return ExitRejected
	default:
		return ExitError
	}
}

// StatusExitCode maps a stored run status to the exit code Advance would
// report for a run stopped in that status.
func StatusExitCode(status domain.RunStatus) int {
	switch status {
	case domain.RunBlocked:
		return ExitBlocked
	case domain.RunEscalated:
		return ExitEscalated
	case domain.RunAborted:
		return ExitAborted
	default:
		return ExitOK
	}
}
