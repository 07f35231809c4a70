// Package gate implements change-control gating: the queue admission gate
// for whole jobs and the suspend/resume gate for pipeline stages.
package gate

import (
	"encoding/json"
	"fmt"

	"github.com/waabox/changegate/internal/domain"
)

// ConsolePrefix starts every line the gates write to a run console.
const ConsolePrefix = "[changegate]"

// syntheticAbort encodes the decision stored when the change system could
// not be consulted for a whole job.
func syntheticAbort(cause string) []byte {
	data, _ := json.Marshal(domain.Decision{Result: domain.DecisionAbort, Comments: cause})
	return data
}

// resolutionOf converts a raw decision into the resolution of token. A
// payload that cannot be parsed is never an approval.
func resolutionOf(token string, raw []byte) domain.Resolution {
	d, err := domain.ParseDecision(raw)
	if err != nil {
		return domain.Resolution{Token: token, Reason: domain.ReasonNotApproved, Comments: err.Error()}
	}
	return d.Resolution(token)
}

func describeStatus(s domain.ChangeStatus) string {
	if !s.Found {
		return "change request not created yet"
	}
	return fmt.Sprintf("change %s state=%s group=%s approvers=%v window=%s..%s",
		s.Number, s.State, s.AssignmentGroup, s.Approvers, s.PlannedStart, s.PlannedEnd)
}
