package workflow

import (
	"github.com/aerodesk/charterflow/pkg/models"
)

// Action is the handoff decision for one (stage, signal) pair: the stage to
// enter and the roles to dispatch on entry.
type Action struct {
	Next     models.Stage
	Dispatch []models.Role
}

type handoffKey struct {
	stage models.Stage
	kind  SignalKind
}

// handoffTable is the complete decision table for the RFP pipeline. It is
// data, not code: no side effects, safe for concurrent lookup, and the unit
// tests walk it exhaustively.
//
// Each stage runs the role dispatched on entry; that role's completion moves
// the instance to the next stage. Entering the waiting stage dispatches
// nothing; the instance parks until the marketplace webhook (or the dwell
// timeout) wakes it.
var handoffTable = map[handoffKey]Action{
	{models.StageCreated, SignalStart}: {
		Next:     models.StageAnalyzing,
		Dispatch: []models.Role{models.RoleAnalyst},
	},
	{models.StageAnalyzing, SignalTaskSucceeded}: {
		Next:     models.StageDispatchingSearch,
		Dispatch: []models.Role{models.RoleSearch},
	},
	{models.StageDispatchingSearch, SignalTaskSucceeded}: {
		Next: models.StageAwaitingExternalOffers,
	},
	{models.StageAwaitingExternalOffers, SignalExternalEvent}: {
		Next:     models.StageOffersRanked,
		Dispatch: []models.Role{models.RoleRanker},
	},
	{models.StageOffersRanked, SignalTaskSucceeded}: {
		Next:     models.StageProposalGenerated,
		Dispatch: []models.Role{models.RoleProposal},
	},
	{models.StageProposalGenerated, SignalTaskSucceeded}: {
		Next:     models.StageProposalSent,
		Dispatch: []models.Role{models.RoleCourier},
	},
	{models.StageProposalSent, SignalTaskSucceeded}: {
		Next: models.StageCompleted,
	},
	{models.StageAwaitingExternalOffers, SignalWaitTimeout}: {
		Next: models.StageFailed,
	},
}

// stageRole names the role whose task is in flight while the instance sits
// in the given stage. Completion signals from any other role are illegal
// there and get dropped.
var stageRole = map[models.Stage]models.Role{
	models.StageAnalyzing:         models.RoleAnalyst,
	models.StageDispatchingSearch: models.RoleSearch,
	models.StageOffersRanked:      models.RoleRanker,
	models.StageProposalGenerated: models.RoleProposal,
	models.StageProposalSent:      models.RoleCourier,
}

// Decide resolves the next action for a stage and signal kind. Cancellation
// is legal from every non-terminal stage, so it is a rule rather than a
// table row. The boolean is false for illegal combinations.
func Decide(stage models.Stage, kind SignalKind) (Action, bool) {
	if kind == SignalCancel {
		if stage.IsTerminal() {
			return Action{}, false
		}

		return Action{Next: models.StageCancelled}, true
	}

	action, ok := handoffTable[handoffKey{stage: stage, kind: kind}]

	return action, ok
}

// RoleFor returns the role expected to complete in the given stage.
func RoleFor(stage models.Stage) (models.Role, bool) {
	role, ok := stageRole[stage]

	return role, ok
}
