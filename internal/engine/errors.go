package engine

import (
	"errors"
	"fmt"
)

// FailureStage names where a trigger failed during a tick.
type FailureStage string

const (
	// StageCompile means the condition no longer compiles against the
	// current declarations and rules.
	StageCompile FailureStage = "COMPILE"

	// StageEvaluate means the evaluator failed or timed out.
	StageEvaluate FailureStage = "EVALUATE"

	// StagePersist means edge state could not be written.
	StagePersist FailureStage = "PERSIST"
)

// TriggerError is one trigger's failure in one tick. It is what the
// trigger's LastError records and what a TickReport lists.
type TriggerError struct {
	Trigger string
	Stage   FailureStage
	Err     error
}

// Error implements the error interface.
func (e *TriggerError) Error() string {
	return fmt.Sprintf("%s: trigger %s: %v", e.Stage, e.Trigger, e.Err)
}

func (e *TriggerError) Unwrap() error { return e.Err }

// IsTriggerError reports whether err wraps a TriggerError of the given
// stage. An empty stage matches any stage.
func IsTriggerError(err error, stage FailureStage) bool {
	var te *TriggerError
	if !errors.As(err, &te) {
		return false
	}
	return stage == "" || te.Stage == stage
}
