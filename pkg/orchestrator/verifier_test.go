package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form_mapper/constant"
)

func verifiedStep(number int, action constant.StepAction, selector string) FormStep {
	return FormStep{
		StepNumber: number,
		TestCase:   constant.TestCaseKindPositive.String(),
		Action:     action.String(),
		Selector:   selector,
	}
}

func TestRuleVerifierAcceptsCoveredPath(t *testing.T) {
	verifier := NewRuleVerifier()

	ok, issues, err := verifier.Verify(context.Background(), &VerifyInput{
		Steps: []FormStep{
			verifiedStep(1, constant.StepActionFill, "#name"),
			verifiedStep(2, constant.StepActionSelect, "#country"),
			verifiedStep(3, constant.StepActionCheck, "#terms"),
			verifiedStep(4, constant.StepActionSubmit, "#submit"),
		},
		FormFields: []FormField{
			{Name: "name", Selector: "#name", Required: true},
			{Name: "country", Selector: "#country", Required: true},
			{Name: "terms", Selector: "#terms", Required: true},
		},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, issues)
}

func TestRuleVerifierFlagsUncoveredRequiredAndMissingSubmit(t *testing.T) {
	verifier := NewRuleVerifier()

	ok, issues, err := verifier.Verify(context.Background(), &VerifyInput{
		Steps: []FormStep{
			verifiedStep(1, constant.StepActionFill, "#name"),
		},
		FormFields: []FormField{
			{Name: "name", Selector: "#name", Required: true},
			{Name: "email", Selector: "#email", Required: true},
		},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, issues, 2)
	assert.Contains(t, issues[0], "#email")
	assert.Contains(t, issues[1], "no submit step")
}

func TestRuleVerifierFlagsStepOutsideFieldInventory(t *testing.T) {
	verifier := NewRuleVerifier()

	ok, issues, err := verifier.Verify(context.Background(), &VerifyInput{
		Steps: []FormStep{
			verifiedStep(1, constant.StepActionFill, "#name"),
			verifiedStep(2, constant.StepActionFill, "#phantom"),
			// click/wait 不参与字段清单核对
			verifiedStep(3, constant.StepActionClick, "#expander"),
			verifiedStep(4, constant.StepActionSubmit, "#submit"),
		},
		FormFields: []FormField{
			{Name: "name", Selector: "#name", Required: true},
		},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "#phantom")
}

func TestRuleVerifierMergesAgentIssuesAndRejectsEmptyPath(t *testing.T) {
	verifier := NewRuleVerifier()

	ok, issues, err := verifier.Verify(context.Background(), &VerifyInput{
		Steps: []FormStep{
			verifiedStep(1, constant.StepActionSubmit, "#submit"),
		},
		AgentIssues: []string{"error banner overlaps the submit button"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, issues, 1)
	assert.Equal(t, "error banner overlaps the submit button", issues[0])

	ok, issues, err = verifier.Verify(context.Background(), &VerifyInput{})
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, issues, 1)
}
