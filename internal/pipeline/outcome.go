package pipeline

import "errors"

// Stage names one step of the per-unit pipeline.
type Stage string

const (
	StageLoad        Stage = "load"
	StageSpotFinding Stage = "find_spots"
	StageIndexing    Stage = "index"
	StageRefinement  Stage = "refine"
	StageIntegration Stage = "integrate"

	// StageInternal marks failures outside any pipeline stage, such as a
	// recovered worker panic.
	StageInternal Stage = "internal"
)

// ErrInvalidData marks data-integrity failures (negative variances, negative
// experiment ids): the unit's data is corrupt upstream, as opposed to an
// ordinary algorithmic failure like non-convergence. Callers distinguish the
// two with errors.Is.
var ErrInvalidData = errors.New("invalid input data")

// Outcome is the terminal state of one unit: completed, skipped before
// processing, or failed at a named stage. Expected per-unit failures travel
// as values, not control flow.
type Outcome struct {
	Tag     string
	Stage   Stage
	Err     error
	Skipped bool
}

// Completed returns a successful outcome.
func Completed(tag string) Outcome {
	return Outcome{Tag: tag}
}

// FailedAt returns a failure outcome for the given stage.
func FailedAt(tag string, stage Stage, err error) Outcome {
	return Outcome{Tag: tag, Stage: stage, Err: err}
}

// Skipped returns an outcome for a unit that was skipped without error,
// such as a zero-frame container in deferred-load mode.
func Skipped(tag string) Outcome {
	return Outcome{Tag: tag, Stage: StageLoad, Skipped: true}
}

// Failed reports whether the unit's pipeline failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}
