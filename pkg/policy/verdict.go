package policy

import "strings"

// RejectThreshold is the score at which a client is rejected
const RejectThreshold = 100

// Action is the verdict sent back to the MTA
type Action string

const (
	ActionDunno  Action = "DUNNO"
	ActionReject Action = "REJECT"
)

// Verdict is the decision for one request
type Verdict struct {
	Action Action
	Score  int
	// Matched lists the blocklists that listed the client, in table order
	Matched []string
	// Exemption names the rule that skipped scoring, if any
	Exemption string
}

// decide turns a score into a verdict
func decide(score int, matched []string) Verdict {
	v := Verdict{Action: ActionDunno, Score: score, Matched: matched}
	if score >= RejectThreshold {
		v.Action = ActionReject
	}
	return v
}

// String renders the verdict as a protocol response, including the
// terminating blank line
func (v Verdict) String() string {
	if v.Action == ActionReject {
		return "action=REJECT Blocked through " + strings.Join(v.Matched, ", ") + "\n\n"
	}
	return "action=DUNNO\n\n"
}
