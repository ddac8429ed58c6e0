package remote

import "fmt"

// Outcome classifies a remote call so the worker never inspects HTTP status
// codes ad hoc. Raw transport errors do not cross this boundary.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeAuth
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient_failure"
	case OutcomePermanent:
		return "permanent_failure"
	case OutcomeAuth:
		return "auth_failure"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the tagged outcome of a single remote call.
type Result struct {
	Outcome Outcome
	// Data holds the remote record body on success, when the remote returns one.
	Data map[string]any
	// Version is the remote record version on success, when known.
	Version int64
	// Reason is a human-readable failure description for the queue's last_error.
	Reason string
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// Record is the remote system's current view of one entity, as returned by
// GetCurrentVersion. Deleted means the record no longer exists remotely.
type Record struct {
	Version int64
	Fields  map[string]any
	Deleted bool
}

func success(data map[string]any, version int64) Result {
	return Result{Outcome: OutcomeSuccess, Data: data, Version: version}
}

func transientFailure(reason string) Result {
	return Result{Outcome: OutcomeTransient, Reason: reason}
}

func permanentFailure(reason string) Result {
	return Result{Outcome: OutcomePermanent, Reason: reason}
}

func authFailure(reason string) Result {
	return Result{Outcome: OutcomeAuth, Reason: reason}
}
