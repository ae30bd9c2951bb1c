package scan

import "time"

// Outcome classifies how a scan run ended. Aborted is an orderly operator
// stop, not a failure.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// Timers accumulates where a run spent its time.
type Timers struct {
	Total  time.Duration
	Move   time.Duration
	Settle time.Duration
	Count  time.Duration
	Pause  time.Duration
}

// Result summarizes one scan run.
type Result struct {
	Outcome Outcome
	// Points is the number of fully read points.
	Points int
	// Retries counts point re-acquisitions after misfires, counting every
	// repeated attempt.
	Retries int
	Timers  Timers
	Started time.Time
	Ended   time.Time
}
