package handlers

import (
	"fmt"

	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
)

// Outcome classifies how a delivery ended. The consumer loop settles every
// delivery from its Outcome alone.
type Outcome int

const (
	// OutcomeCompleted acknowledges the delivery.
	OutcomeCompleted Outcome = iota
	// OutcomeDropped acknowledges a delivery the processor declined as
	// domain-invalid. Nothing was persisted or published.
	OutcomeDropped
	// OutcomeMalformed dead-letters a delivery that failed decoding or lacks
	// its identity fields. The processor never ran.
	OutcomeMalformed
	// OutcomeFailed dead-letters a delivery whose processing failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDropped:
		return "dropped"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DeadLetters reports whether the delivery must be rejected without requeue.
func (o Outcome) DeadLetters() bool {
	return o == OutcomeMalformed || o == OutcomeFailed
}

// Result is returned by every processor. Err is nil only for OutcomeCompleted.
type Result struct {
	Outcome Outcome
	Err     error
	// Fields carries the event identity so settlement logs can support replay.
	Fields loggingpkg.LogFields
}

func Complete() Result { return Result{Outcome: OutcomeCompleted} }

func Drop(err error) Result { return Result{Outcome: OutcomeDropped, Err: err} }

func Malformed(err error) Result { return Result{Outcome: OutcomeMalformed, Err: err} }

func Fail(err error) Result { return Result{Outcome: OutcomeFailed, Err: err} }

// WithFields returns a copy of r whose Fields include fields.
func (r Result) WithFields(fields loggingpkg.LogFields) Result {
	if len(fields) == 0 {
		return r
	}
	r.Fields = loggingpkg.Merge(r.Fields, fields)
	return r
}
