package scoring

import (
	"fmt"
	"strings"
)

// Step is one branch of the vulnerability score curve. Steps are evaluated in
// order and the first match wins.
type Step struct {
	Severity  Severity
	Equal     bool // compare with = instead of >
	Threshold int
	Score     int
}

// Curve is the per-instance vulnerability score step function. Letter grades:
// F below 10, D in the 40s, C in the 60s, B in the 70s.
var Curve = []Step{
	{Severity: Critical, Threshold: 10, Score: 0},
	{Severity: Critical, Threshold: 5, Score: 5},
	{Severity: Critical, Threshold: 0, Score: 9},
	{Severity: High, Threshold: 10, Score: 40},
	{Severity: High, Threshold: 5, Score: 45},
	{Severity: High, Threshold: 0, Score: 49},
	{Severity: Medium, Threshold: 10, Score: 60},
	{Severity: Medium, Threshold: 5, Score: 65},
	{Severity: Medium, Threshold: 0, Score: 69},
	{Severity: Low, Threshold: 10, Score: 70},
	{Severity: Low, Threshold: 5, Score: 75},
	{Severity: Low, Threshold: 0, Score: 79},
	{Severity: Info, Threshold: 10, Score: 95},
	{Severity: Info, Threshold: 5, Score: 90},
	{Severity: Info, Equal: true, Threshold: 0, Score: 100},
}

// CurveFallback scores instances no step matches (1..5 info findings only).
const CurveFallback = 100

func (s Step) matches(n int) bool {
	if s.Equal {
		return n == s.Threshold
	}
	return n > s.Threshold
}

// InstanceScore applies Curve to one set of bucket counts.
func InstanceScore(c Counts) int {
	for _, step := range Curve {
		if step.matches(c.Get(step.Severity)) {
			return step.Score
		}
	}
	return CurveFallback
}

// ScoreCaseSQL renders Curve as a SQL CASE expression. bucket returns the SQL
// expression counting findings of one severity.
func ScoreCaseSQL(bucket func(Severity) string, indent string) string {
	var b strings.Builder
	b.WriteString("CASE\n")
	for _, step := range Curve {
		op := ">"
		if step.Equal {
			op = "="
		}
		fmt.Fprintf(&b, "%s    WHEN %s %s %d THEN %d\n", indent, bucket(step.Severity), op, step.Threshold, step.Score)
	}
	fmt.Fprintf(&b, "%s    ELSE %d\n", indent, CurveFallback)
	b.WriteString(indent + "END")
	return b.String()
}

// SeverityNameSQL renders the compliance code to bucket name mapping.
func SeverityNameSQL(code string, indent string) string {
	var b strings.Builder
	b.WriteString("CASE\n")
	for i := len(Severities) - 1; i >= 0; i-- {
		s := Severities[i]
		fmt.Fprintf(&b, "%s    WHEN %s = %d THEN '%s'\n", indent, code, s.Code(), s)
	}
	b.WriteString(indent + "END")
	return b.String()
}

// BucketSumsSQL renders one SUM column per bucket, most severe first, adding
// value where code matches the bucket's severity code.
func BucketSumsSQL(code, value string, indent string) string {
	cols := make([]string, 0, len(Severities))
	for _, s := range Severities {
		cols = append(cols, fmt.Sprintf("SUM(CASE WHEN %s = %d THEN %s ELSE 0 END) AS %s", code, s.Code(), value, s))
	}
	return strings.Join(cols, ",\n"+indent)
}

// CoverageSQL renders the clamped coverage expression with a zero guard:
// 100 when violations exceed assessed, NULL when nothing was assessed.
func CoverageSQL(violations, assessed string) string {
	return fmt.Sprintf("CASE WHEN %[1]s > %[2]s THEN 100 WHEN %[2]s = 0 THEN NULL ELSE 100-%[1]s*100/%[2]s END", violations, assessed)
}

// ControlCoverageSQL renders the per-control percent: like CoverageSQL but the
// percent is computed in floating point and truncated.
func ControlCoverageSQL(violations, assessed string) string {
	return fmt.Sprintf("CASE WHEN %[1]s > %[2]s THEN 100 WHEN %[2]s = 0 THEN NULL ELSE CAST(100-CAST(%[1]s AS FLOAT)*100/%[2]s AS INTEGER) END", violations, assessed)
}

// FleetCoverageSQL folds per-instance scores into an account score with a zero
// guard. Assets without findings count as 100 each; totalAssets is the full
// agent-covered inventory.
func FleetCoverageSQL(totalAssets, assetsWithFindings, scoreSum string) string {
	return fmt.Sprintf("CASE WHEN %[1]s = 0 THEN NULL ELSE ((%[1]s - %[2]s)*100 + %[3]s)/%[1]s END", totalAssets, assetsWithFindings, scoreSum)
}
