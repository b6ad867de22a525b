package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/pkg/domain"
)

func chunksOf(texts ...string) []domain.RetrievalResult {
	out := make([]domain.RetrievalResult, len(texts))
	for i, t := range texts {
		out[i] = domain.RetrievalResult{ChunkID: "c", Text: t}
	}
	return out
}

func TestGroundedAnswerScoresClean(t *testing.T) {
	report := New().Check(
		"Annual leave is 20 days. Jane Doe approves requests.",
		chunksOf("Annual leave allowance is 20 working days. Requests go to Jane Doe."),
	)
	assert.Empty(t, report.Flags)
	assert.Equal(t, 1.0, report.OverallScore)
	assert.Empty(t, report.Recommendations)
}

func TestNumericMismatchFlagged(t *testing.T) {
	report := New().Check(
		"The allowance is 35 days.",
		chunksOf("The allowance is 20 days."),
	)
	require.NotEmpty(t, report.Flags)
	assert.Equal(t, CheckNumeric, report.Flags[0].Kind)
	assert.Equal(t, SeverityMedium, report.Flags[0].Severity)
	assert.Equal(t, "35", report.Flags[0].Span)
	assert.InDelta(t, 0.9, report.OverallScore, 1e-9)
	assert.Equal(t, 1, report.ByKind[CheckNumeric])
	assert.Equal(t, 1, report.BySeverity[SeverityMedium])
	assert.NotEmpty(t, report.Recommendations)
}

func TestNumericToleranceAllowsTenPercent(t *testing.T) {
	// 21 vs 20 is within the default ±10%.
	report := New().Check("Roughly 21 days.", chunksOf("The allowance is 20 days."))
	assert.Equal(t, 0, report.ByKind[CheckNumeric])

	report = New().Check("Roughly 23 days.", chunksOf("The allowance is 20 days."))
	assert.Equal(t, 1, report.ByKind[CheckNumeric])
}

func TestUnknownEntityFlagged(t *testing.T) {
	report := New().Check(
		"Bob Smith signs off on all requests.",
		chunksOf("Requests go to Jane Doe."),
	)
	require.NotEmpty(t, report.Flags)
	assert.Equal(t, CheckEntity, report.Flags[0].Kind)
	assert.Contains(t, report.Flags[0].Message, "Bob Smith")
}

func TestEntityFuzzyMatchBothDirections(t *testing.T) {
	// Answer uses the short form, context the long form.
	report := New().Check("Jane approves requests.", chunksOf("Requests go to Jane Doe."))
	assert.Equal(t, 0, report.ByKind[CheckEntity])
}

func TestAttributionRequiresSource(t *testing.T) {
	report := New().Check(
		"According to Gartner, adoption doubled.",
		chunksOf("Adoption doubled last year."),
	)
	assert.Equal(t, 1, report.ByKind[CheckAttribution])

	report = New().Check(
		"According to Gartner, adoption doubled.",
		chunksOf("A Gartner report says adoption doubled."),
	)
	assert.Equal(t, 0, report.ByKind[CheckAttribution])
}

func TestFabricationCueIsCritical(t *testing.T) {
	report := New().Check(
		"Studies show this works.",
		chunksOf("The procedure works for most teams."),
	)
	require.Equal(t, 1, report.ByKind[CheckFabrication])
	assert.Equal(t, 1, report.BySeverity[SeverityCritical])
	assert.InDelta(t, 0.6, report.OverallScore, 1e-9)

	// Context that actually mentions research clears the cue.
	report = New().Check(
		"Studies show this works.",
		chunksOf("Two studies measured the effect and confirmed it works."),
	)
	assert.Equal(t, 0, report.ByKind[CheckFabrication])
}

func TestHedgingLowersConfidenceHint(t *testing.T) {
	report := New().Check(
		"It might be around 20 days, but I am not sure.",
		chunksOf("The allowance is 20 days."),
	)
	assert.Positive(t, report.ByKind[CheckUncertainty])
	assert.Less(t, report.ConfidenceHint, 1.0)
	for _, f := range report.Flags {
		if f.Kind == CheckUncertainty {
			assert.Equal(t, SeverityLow, f.Severity)
		}
	}
}

func TestScoreClampedAtZero(t *testing.T) {
	report := New().Check(
		"Studies show 99 things. Research indicates 77 facts. Experts say Bob Smith and Carol Jones at Initech proved it.",
		chunksOf("Nothing relevant here."),
	)
	assert.Equal(t, 0.0, report.OverallScore)
	assert.NotEmpty(t, report.Flags)
}
