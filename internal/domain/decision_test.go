package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waabox/changegate/internal/domain"
)

func TestParseDecision_Object(t *testing.T) {
	d, err := domain.ParseDecision([]byte(`{"result":"Success","comments":"ok","changeRequestId":"CHG001"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionSuccess, d.Result)
	assert.Equal(t, "CHG001", d.ChangeRequestID)
	assert.True(t, d.Resolution("stage-1").Approved)
}

func TestParseDecision_EncodedString(t *testing.T) {
	d, err := domain.ParseDecision([]byte(`"{\"result\":\"canceled\",\"comments\":\"window closed\"}"`))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionCanceled, d.Result)
	assert.Equal(t, "window closed", d.Comments)
}

func TestParseDecision_MalformedIsError(t *testing.T) {
	for _, raw := range []string{`not json`, `{"result":"maybe"}`, `{}`, `42`} {
		_, err := domain.ParseDecision([]byte(raw))
		assert.ErrorIs(t, err, domain.ErrMalformedDecision, raw)
	}
}

func TestDecision_Resolution(t *testing.T) {
	res := domain.Decision{Result: domain.DecisionFailure, Comments: "risk too high"}.Resolution("stage-1")
	assert.False(t, res.Approved)
	assert.Equal(t, domain.ReasonNotApproved, res.Reason)
	assert.EqualError(t, res.Err(), "not approved: risk too high")

	res = domain.Decision{Result: domain.DecisionCanceled}.Resolution("stage-1")
	assert.Equal(t, domain.ReasonCanceled, res.Reason)

	res = domain.Decision{Result: domain.DecisionSuccess}.Resolution("stage-1")
	assert.NoError(t, res.Err())
}

func TestChangeStatus_EqualIgnoresComments(t *testing.T) {
	a := domain.ChangeStatus{Found: true, Number: "CHG1", State: "Assess", Approvers: []string{"ann"}, Comments: "x"}
	b := a
	b.Comments = "y"
	assert.True(t, a.Equal(b))
	b.Approvers = []string{"ann", "bob"}
	assert.False(t, a.Equal(b))
}
