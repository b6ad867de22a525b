// Package verify checks generated answers against the retrieved
// context and scores how well grounded they are. The verifier never
// modifies an answer; callers decide what to do with a low score.
package verify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// CheckKind identifies which check raised a flag.
type CheckKind string

const (
	CheckNumeric     CheckKind = "numeric"
	CheckEntity      CheckKind = "entity"
	CheckAttribution CheckKind = "attribution"
	CheckFabrication CheckKind = "fabrication"
	CheckUncertainty CheckKind = "uncertainty"
)

// Severity grades a flag.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// penalties subtracted from the perfect score per flag.
var penalties = map[Severity]float64{
	SeverityLow:      0.05,
	SeverityMedium:   0.10,
	SeverityHigh:     0.20,
	SeverityCritical: 0.40,
}

// Flag is one finding, anchored to the answer span that triggered it.
type Flag struct {
	Kind     CheckKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Span     string    `json:"span"`
	Message  string    `json:"message"`
}

// Report is the verifier's result. OverallScore is 1 minus the summed
// severity penalties, clamped to [0,1].
type Report struct {
	OverallScore    float64           `json:"overall_score"`
	Flags           []Flag            `json:"flags"`
	ByKind          map[CheckKind]int `json:"by_kind"`
	BySeverity      map[Severity]int  `json:"by_severity"`
	Recommendations []string          `json:"recommendations"`
	ConfidenceHint  float64           `json:"confidence_hint"`
}

// Verifier holds tunables; the zero value uses defaults.
type Verifier struct {
	// NumericTolerance is the allowed relative deviation for numbers in
	// the answer against numbers in the context. Default 0.10.
	NumericTolerance float64
}

// New returns a verifier with default tolerances.
func New() *Verifier { return &Verifier{NumericTolerance: 0.10} }

// Check verifies an answer against the retrieved chunks.
func (v *Verifier) Check(answer string, chunks []domain.RetrievalResult) *Report {
	tolerance := v.NumericTolerance
	if tolerance <= 0 {
		tolerance = 0.10
	}

	var contextText strings.Builder
	for _, c := range chunks {
		contextText.WriteString(c.Text)
		contextText.WriteString("\n")
	}
	ctx := contextText.String()
	ctxLower := strings.ToLower(ctx)

	report := &Report{
		ByKind:         make(map[CheckKind]int),
		BySeverity:     make(map[Severity]int),
		ConfidenceHint: 1,
	}

	v.checkNumbers(answer, ctx, tolerance, report)
	v.checkEntities(answer, ctxLower, report)
	v.checkAttribution(answer, ctxLower, report)
	v.checkFabrication(answer, ctxLower, report)
	v.checkUncertainty(answer, report)

	score := 1.0
	for _, f := range report.Flags {
		score -= penalties[f.Severity]
		report.ByKind[f.Kind]++
		report.BySeverity[f.Severity]++
	}
	if score < 0 {
		score = 0
	}
	report.OverallScore = score
	report.Recommendations = recommendations(report)
	return report
}

var numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)*%?`)

// checkNumbers flags every number in the answer with no match in the
// context within the relative tolerance.
func (v *Verifier) checkNumbers(answer, ctx string, tolerance float64, report *Report) {
	ctxNums := parseNumbers(ctx)
	for _, raw := range numberPattern.FindAllString(answer, -1) {
		val, ok := parseNumber(raw)
		if !ok {
			continue
		}
		if matchesAny(val, ctxNums, tolerance) {
			continue
		}
		report.Flags = append(report.Flags, Flag{
			Kind:     CheckNumeric,
			Severity: SeverityMedium,
			Span:     raw,
			Message:  fmt.Sprintf("number %s not supported by context", raw),
		})
	}
}

var properNamePattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*\b`)

// sentenceStarts are capitalized tokens that are grammar, not names.
var sentenceStarts = map[string]bool{
	"The": true, "A": true, "An": true, "This": true, "That": true,
	"It": true, "He": true, "She": true, "They": true, "We": true,
	"According": true, "However": true, "In": true, "On": true,
	"If": true, "When": true, "Based": true, "As": true, "For": true,
	"There": true, "These": true, "Those": true, "Yes": true, "No": true,
	"I": true, "You": true, "Also": true, "While": true, "Although": true,
	"First": true, "Second": true, "Finally": true, "Then": true,
	"Studies": true, "Research": true, "Experts": true,
}

// checkEntities flags proper names in the answer that never appear in
// the context. Matching is case-insensitive substring, both directions.
func (v *Verifier) checkEntities(answer, ctxLower string, report *Report) {
	seen := map[string]bool{}
	for _, name := range properNamePattern.FindAllString(answer, -1) {
		if sentenceStarts[name] || len(name) < 3 {
			continue
		}
		lowered := strings.ToLower(name)
		if seen[lowered] {
			continue
		}
		seen[lowered] = true
		if strings.Contains(ctxLower, lowered) || containsAnyWordOf(ctxLower, lowered) {
			continue
		}
		report.Flags = append(report.Flags, Flag{
			Kind:     CheckEntity,
			Severity: SeverityMedium,
			Span:     name,
			Message:  fmt.Sprintf("entity %q not found in context", name),
		})
	}
}

var attributionPattern = regexp.MustCompile(`(?i)according to ([A-Za-z][A-Za-z0-9 .&'-]{1,60}?)[,.;:]`)

// checkAttribution requires the cited authority of an "according to X"
// phrase to appear in the context.
func (v *Verifier) checkAttribution(answer, ctxLower string, report *Report) {
	for _, m := range attributionPattern.FindAllStringSubmatch(answer, -1) {
		who := strings.TrimSpace(m[1])
		if who == "" {
			continue
		}
		loweredWho := strings.ToLower(who)
		if loweredWho == "the context" || loweredWho == "the document" || loweredWho == "the provided context" {
			continue
		}
		if strings.Contains(ctxLower, loweredWho) {
			continue
		}
		report.Flags = append(report.Flags, Flag{
			Kind:     CheckAttribution,
			Severity: SeverityHigh,
			Span:     m[0],
			Message:  fmt.Sprintf("attributed source %q not found in context", who),
		})
	}
}

var fabricationCues = []string{
	"studies show", "studies have shown", "research indicates",
	"research shows", "experts say", "experts agree",
	"it is well known", "it is widely known", "statistics show",
}

// checkFabrication flags authority-invoking phrases with no supporting
// sentence in the context.
func (v *Verifier) checkFabrication(answer, ctxLower string, report *Report) {
	answerLower := strings.ToLower(answer)
	for _, cue := range fabricationCues {
		idx := strings.Index(answerLower, cue)
		if idx < 0 {
			continue
		}
		if strings.Contains(ctxLower, "stud") || strings.Contains(ctxLower, "research") || strings.Contains(ctxLower, cue) {
			continue
		}
		report.Flags = append(report.Flags, Flag{
			Kind:     CheckFabrication,
			Severity: SeverityCritical,
			Span:     answer[idx : idx+len(cue)],
			Message:  fmt.Sprintf("unsupported authority claim %q", cue),
		})
	}
}

var hedgingCues = []string{
	"might be", "may be", "perhaps", "possibly", "i think",
	"i believe", "not sure", "it seems", "probably", "unclear",
}

// checkUncertainty records hedging as low-severity flags and lowers the
// confidence hint; hedged answers are honest, not wrong.
func (v *Verifier) checkUncertainty(answer string, report *Report) {
	answerLower := strings.ToLower(answer)
	for _, cue := range hedgingCues {
		if !strings.Contains(answerLower, cue) {
			continue
		}
		report.ConfidenceHint *= 0.8
		report.Flags = append(report.Flags, Flag{
			Kind:     CheckUncertainty,
			Severity: SeverityLow,
			Span:     cue,
			Message:  fmt.Sprintf("hedging phrase %q", cue),
		})
	}
}

func recommendations(report *Report) []string {
	var recs []string
	if report.ByKind[CheckNumeric] > 0 {
		recs = append(recs, "re-generate with explicit instruction to only use numbers present in the context")
	}
	if report.ByKind[CheckEntity] > 0 {
		recs = append(recs, "restrict named entities to those appearing in the retrieved chunks")
	}
	if report.ByKind[CheckAttribution] > 0 {
		recs = append(recs, "drop or correct attributions that the context does not support")
	}
	if report.ByKind[CheckFabrication] > 0 {
		recs = append(recs, "remove appeals to unnamed studies or experts")
	}
	return recs
}

func parseNumbers(text string) []float64 {
	var nums []float64
	for _, raw := range numberPattern.FindAllString(text, -1) {
		if val, ok := parseNumber(raw); ok {
			nums = append(nums, val)
		}
	}
	return nums
}

func parseNumber(raw string) (float64, bool) {
	raw = strings.TrimSuffix(raw, "%")
	raw = strings.ReplaceAll(raw, ",", "")
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return val, true
}

func matchesAny(val float64, candidates []float64, tolerance float64) bool {
	for _, c := range candidates {
		if val == c {
			return true
		}
		base := c
		if base < 0 {
			base = -base
		}
		if base == 0 {
			continue
		}
		diff := val - c
		if diff < 0 {
			diff = -diff
		}
		if diff/base <= tolerance {
			return true
		}
	}
	return false
}

// containsAnyWordOf reports whether every word of the name appears in
// the context, covering "Jane" when the context says "Jane Doe".
func containsAnyWordOf(ctxLower, nameLower string) bool {
	words := strings.Fields(nameLower)
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if !strings.Contains(ctxLower, w) {
			return false
		}
	}
	return true
}
