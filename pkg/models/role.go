package models

// Role identifies one of the specialized agents. The set is closed: agents
// are never selected by free-form name lookup, so a switch over Role is
// exhaustive at compile time.
type Role string

const (
	// RoleAnalyst reads the intake request, pulls the client profile from
	// the spreadsheet directory and asks the reasoning engine to structure
	// the trip requirements.
	RoleAnalyst Role = "analyst"

	// RoleSearch creates the trip record on the flight marketplace and
	// returns the external trip id the instance will wait on.
	RoleSearch Role = "search"

	// RoleRanker ranks the quotes delivered by the marketplace webhook.
	RoleRanker Role = "ranker"

	// RoleProposal drafts the client-facing proposal from the ranked quotes.
	RoleProposal Role = "proposal"

	// RoleCourier emails the finished proposal to the requester.
	RoleCourier Role = "courier"
)

// Roles lists every agent role. Queue topology and worker pools are derived
// from this slice, one queue per role.
var Roles = []Role{RoleAnalyst, RoleSearch, RoleRanker, RoleProposal, RoleCourier}

func (r Role) Valid() bool {
	switch r {
	case RoleAnalyst, RoleSearch, RoleRanker, RoleProposal, RoleCourier:
		return true
	}

	return false
}

func (r Role) String() string {
	return string(r)
}
