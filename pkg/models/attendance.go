package models

// GlobalEvent is the pseudo event that aggregates every location.
const GlobalEvent = "Global Overall"

// HistoryItem is one visit of a user. Checkout is nil while the session is open.
type HistoryItem struct {
	Checkin  string  `json:"checkin"`
	Checkout *string `json:"checkout"`
	Event    string  `json:"event"`
}

// LeaderboardItem is one row of a leaderboard snapshot
type LeaderboardItem struct {
	Name    string `json:"name"`
	Total   int    `json:"total"`
	TimeStr string `json:"timeStr"`
}

// TitleResult is a title awarded by the remote ranking
type TitleResult struct {
	Title  string `json:"title"`
	Winner string `json:"winner"`
}

// CheckinRequest is the body posted to the script endpoint
type CheckinRequest struct {
	Name  string `json:"name"`
	Event string `json:"event"`
}

// CheckinOutcome classifies the plain text answer of a check-in
type CheckinOutcome string

const (
	OutcomeCheckedIn  CheckinOutcome = "checked_in"
	OutcomeCheckedOut CheckinOutcome = "checked_out"
	OutcomeInfo       CheckinOutcome = "info"
)

// CheckinResult is the interpreted answer of a check-in submission
type CheckinResult struct {
	Outcome CheckinOutcome `json:"outcome"`
	Event   string         `json:"event"`
	Message string         `json:"message"`
}

// Changed reports whether the server recorded a state transition
func (r *CheckinResult) Changed() bool {
	return r.Outcome == OutcomeCheckedIn || r.Outcome == OutcomeCheckedOut
}

// FilterFor maps an event selection to the filter the endpoint expects.
// The global aggregate is requested with an empty filter.
func FilterFor(event string) string {
	if event == GlobalEvent {
		return ""
	}
	return event
}
