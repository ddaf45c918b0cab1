// Package scoring holds the coverage rules shared by the aggregation queries:
// severity codes, the compliance clamp, the vulnerability score curve and the
// full-fleet fold.
package scoring

import "strings"

// Severity is a finding severity bucket.
type Severity string

const (
	Critical Severity = "critical"
	High     Severity = "high"
	Medium   Severity = "medium"
	Low      Severity = "low"
	Info     Severity = "info"
)

// Severities lists the buckets from most to least severe.
var Severities = []Severity{Critical, High, Medium, Low, Info}

// Code returns the compliance severity code (5 = critical .. 1 = info).
func (s Severity) Code() int {
	switch s {
	case Critical:
		return 5
	case High:
		return 4
	case Medium:
		return 3
	case Low:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

// Title returns the spelling used by the vulnerability feed (e.g. "Critical").
func (s Severity) Title() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// ParseSeverity accepts any casing and the long form "informational".
func ParseSeverity(v string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "critical":
		return Critical, true
	case "high":
		return High, true
	case "medium":
		return Medium, true
	case "low":
		return Low, true
	case "info", "informational":
		return Info, true
	}
	return "", false
}

// AtLeast returns every bucket at or above s, most severe first.
func (s Severity) AtLeast() []Severity {
	for i, sev := range Severities {
		if sev == s {
			return append([]Severity(nil), Severities[:i+1]...)
		}
	}
	return nil
}

// Counts holds finding counts per bucket.
type Counts struct {
	Critical int
	High     int
	Medium   int
	Low      int
	Info     int
}

// Get returns the count of one bucket.
func (c Counts) Get(s Severity) int {
	switch s {
	case Critical:
		return c.Critical
	case High:
		return c.High
	case Medium:
		return c.Medium
	case Low:
		return c.Low
	case Info:
		return c.Info
	}
	return 0
}

// Add increments one bucket.
func (c *Counts) Add(s Severity, n int) {
	switch s {
	case Critical:
		c.Critical += n
	case High:
		c.High += n
	case Medium:
		c.Medium += n
	case Low:
		c.Low += n
	case Info:
		c.Info += n
	}
}

// Total returns the sum over all buckets.
func (c Counts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info
}
