package workflow

import (
	"github.com/aerodesk/charterflow/pkg/models"
)

// SignalKind discriminates the inputs the state machine accepts.
type SignalKind string

const (
	// SignalStart moves a freshly created instance onto the pipeline.
	SignalStart SignalKind = "start"

	// SignalTaskSucceeded reports an agent task completion.
	SignalTaskSucceeded SignalKind = "task_succeeded"

	// SignalTaskFailed reports an agent task failure, already classified as
	// transient or terminal by the runner.
	SignalTaskFailed SignalKind = "task_failed"

	// SignalExternalEvent reports a matched marketplace event for a waiting
	// instance.
	SignalExternalEvent SignalKind = "external_event"

	// SignalCancel is the user's cancellation; legal at any non-terminal
	// stage.
	SignalCancel SignalKind = "cancel"

	// SignalWaitTimeout reports that a waiting stage exceeded its dwell
	// bound. Emitted by the sweeper, never by user code.
	SignalWaitTimeout SignalKind = "wait_timeout"
)

// Signal is one input to Engine.Transition. Only the fields relevant to the
// kind are set.
type Signal struct {
	Kind SignalKind

	// Task completion fields.
	Role    models.Role
	TaskID  string
	Attempt int
	Result  models.TaskResult
	Failure models.Failure

	// External event fields.
	CorrelationKey string
	EventID        string

	// Cancellation / timeout reason.
	Reason string
}
