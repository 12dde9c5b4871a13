package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrRunNotActive   = errors.New("run is not active")
	ErrImmutable      = errors.New("record is immutable")
	ErrWriteConflict  = errors.New("artifact is being written by another role")
	ErrForbidden      = errors.New("role is not permitted")
	ErrUnknownRole    = errors.New("unknown role")
	ErrHistoryRewrite = errors.New("run history is append-only")
	ErrSequenceTaken  = errors.New("sequence id is held by another run")
)

// PreconditionUnmetError reports the exact dependencies a role is missing.
type PreconditionUnmetError struct {
	Role    RoleID
	Missing []MissingDependency
}

func (e PreconditionUnmetError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		parts = append(parts, m.String())
	}
	return fmt.Sprintf("precondition unmet for %s: %s", e.Role, strings.Join(parts, "; "))
}

func (m MissingDependency) String() string {
	subject := string(m.Kind)
	if m.Gate != "" {
		subject = "gate " + m.Gate
	}
	actual := m.ActualStatus
	if actual == "" {
		actual = "missing"
	}
	if m.Path != "" {
		subject += " (" + m.Path + ")"
	}
	return fmt.Sprintf("%s requires %s, is %s", subject, strings.Join(m.RequiredStatuses, "|"), actual)
}

// PostconditionViolatedError rejects an outcome; the role must resubmit.
type PostconditionViolatedError struct {
	Role   RoleID
	Reason string
}

func (e PostconditionViolatedError) Error() string {
	return fmt.Sprintf("postcondition violated by %s: %s", e.Role, e.Reason)
}

// ContractViolationError is fatal to the invocation and always surfaces.
type ContractViolationError struct {
	Role   RoleID
	Rule   string
	Detail string
}

func (e ContractViolationError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("contract violation (%s): %s", e.Rule, e.Detail)
	}
	return fmt.Sprintf("contract violation by %s (%s): %s", e.Role, e.Rule, e.Detail)
}

// ArbitrationDeadlockError holds a run at Escalated until an operator decides.
type ArbitrationDeadlockError struct {
	RunID        string
	Issue        string
	EscalationID string
	Options      []Option
}

func (e ArbitrationDeadlockError) Error() string {
	return fmt.Sprintf("arbitration deadlock on run %s: %s", e.RunID, e.Issue)
}

func IsContractViolation(err error) bool {
	var cv ContractViolationError
	return errors.As(err, &cv)
}

func IsDeadlock(err error) bool {
	var d ArbitrationDeadlockError
	return errors.As(err, &d)
}
