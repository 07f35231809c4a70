package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecisionResult is the verdict of the change system.
type DecisionResult string

const (
	DecisionSuccess  DecisionResult = "success"
	DecisionFailure  DecisionResult = "failure"
	DecisionCanceled DecisionResult = "canceled"
	// DecisionAbort is synthesized locally when the change system could not be
	// consulted for a whole job. It is never sent by the change system.
	DecisionAbort DecisionResult = "abort"
)

// Decision is the payload delivered by a callback.
type Decision struct {
	Result          DecisionResult `json:"result"`
	Comments        string         `json:"comments,omitempty"`
	ChangeRequestID string         `json:"changeRequestId,omitempty"`
}

// ParseDecision decodes a raw decision payload. The payload may also arrive
// as a JSON string holding the encoded object.
func ParseDecision(raw []byte) (Decision, error) {
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		var encoded string
		if strErr := json.Unmarshal(raw, &encoded); strErr != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
		}
		if err := json.Unmarshal([]byte(encoded), &d); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
		}
	}
	d.Result = DecisionResult(strings.ToLower(strings.TrimSpace(string(d.Result))))
	switch d.Result {
	case DecisionSuccess, DecisionFailure, DecisionCanceled, DecisionAbort:
		return d, nil
	}
	return Decision{}, fmt.Errorf("%w: unknown result %q", ErrMalformedDecision, d.Result)
}

// Resolution converts the decision into the resolution of the wait for token.
func (d Decision) Resolution(token string) Resolution {
	switch d.Result {
	case DecisionSuccess:
		return Resolution{Token: token, Approved: true, Comments: d.Comments}
	case DecisionCanceled:
		return Resolution{Token: token, Reason: ReasonCanceled, Comments: d.Comments}
	case DecisionAbort:
		return Resolution{Token: token, Reason: ReasonError, Comments: d.Comments}
	default:
		return Resolution{Token: token, Reason: ReasonNotApproved, Comments: d.Comments}
	}
}
