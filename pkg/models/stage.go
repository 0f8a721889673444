package models

// Stage is the position of an RFP instance in the fixed request pipeline.
type Stage string

const (
	StageCreated                Stage = "created"
	StageAnalyzing              Stage = "analyzing"
	StageDispatchingSearch      Stage = "dispatching_search"
	StageAwaitingExternalOffers Stage = "awaiting_external_offers"
	StageOffersRanked           Stage = "offers_ranked"
	StageProposalGenerated      Stage = "proposal_generated"
	StageProposalSent           Stage = "proposal_sent"
	StageCompleted              Stage = "completed"
	StageFailed                 Stage = "failed"
	StageCancelled              Stage = "cancelled"
)

// Stages lists every stage, pipeline order first, terminals last.
var Stages = []Stage{
	StageCreated,
	StageAnalyzing,
	StageDispatchingSearch,
	StageAwaitingExternalOffers,
	StageOffersRanked,
	StageProposalGenerated,
	StageProposalSent,
	StageCompleted,
	StageFailed,
	StageCancelled,
}

// IsTerminal reports whether an instance in this stage is done for good.
// Terminal instances are archived, never deleted.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// IsWaiting reports whether the stage parks the instance until an external
// actor responds. Correlation keys are only populated while waiting.
func (s Stage) IsWaiting() bool {
	return s == StageAwaitingExternalOffers
}

func (s Stage) Valid() bool {
	for _, known := range Stages {
		if s == known {
			return true
		}
	}

	return false
}
