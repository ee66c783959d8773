package custody

import "time"

// StepOutcome is the recorded result of one collaborator call within an
// operation.
type StepOutcome uint8

const (
	StepOutcomeOK StepOutcome = iota
	StepOutcomeErr
	StepOutcomeTimeout
)

func (o StepOutcome) String() string {
	switch o {
	case StepOutcomeOK:
		return "ok"
	case StepOutcomeErr:
		return "err"
	case StepOutcomeTimeout:
		return "timeout"
	default:
		return "invalid"
	}
}

// OperationStep is one entry in the append-only step log of an operation.
// Indexes are contiguous; the last entry's outcome determines the operation's
// next transition.
type OperationStep struct {
	OperationID  Identifier
	Index        uint32
	Collaborator string
	Function     string
	StartedAt    time.Time
	FinishedAt   time.Time
	Outcome      StepOutcome
	ErrorClass   ErrorClass

	// CompensationHint names the inverse call recorded for this step, e.g.
	// "token.burn". Empty for non-compensable and best-effort steps.
	CompensationHint string
}
