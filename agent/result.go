package agent

import (
	"regexp"
	"strings"
)

// Result is the structured outcome of an investigation.
type Result struct {
	RootCause       string   `json:"root_cause"`
	Findings        []string `json:"findings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	CanAutoFix      bool     `json:"can_auto_fix"`
	FixCommand      string   `json:"fix_command,omitempty"`
	FixApplied      bool     `json:"fix_applied,omitempty"`
	FixOutput       string   `json:"fix_output,omitempty"`
	Confidence      float64  `json:"confidence"`
	Iterations      int      `json:"iterations"`
	Note            string   `json:"note,omitempty"`
}

// sectionMarkers are the analysis headings the model is instructed to emit,
// in the case variants seen in practice.
var sectionMarkers = []string{
	"ROOT CAUSE:", "Root Cause:", "Root cause:",
	"FINDINGS:", "Findings:",
	"RECOMMENDATIONS:", "Recommendations:",
	"AUTO-FIX:", "Auto-Fix:", "Auto-fix:",
}

var kubectlCommandPattern = regexp.MustCompile(`kubectl\s+[^\n]+`)

// ParseAnalysis extracts the structured result from a final analysis text.
// Missing sections leave zero values; confidence scores section
// completeness.
func ParseAnalysis(text string) *Result {
	res := &Result{
		RootCause:       extractSection(text, "ROOT CAUSE"),
		Findings:        extractBullets(extractSection(text, "FINDINGS")),
		Recommendations: extractBullets(extractSection(text, "RECOMMENDATIONS")),
	}

	autoFix := strings.ToLower(extractSection(text, "AUTO-FIX"))
	if strings.HasPrefix(strings.TrimSpace(autoFix), "yes") {
		res.CanAutoFix = true
		if match := kubectlCommandPattern.FindString(autoFix); match != "" {
			res.FixCommand = strings.TrimSpace(match)
		}
	}
	if res.FixCommand == "" && res.CanAutoFix {
		// Fall back to any kubectl command in the full text.
		if match := kubectlCommandPattern.FindString(text); match != "" {
			res.FixCommand = strings.TrimSpace(match)
		}
	}

	res.Confidence = scoreConfidence(res)
	return res
}

// extractSection returns the text between a heading and the next heading.
// Matching is case-tolerant across the marker variants.
func extractSection(text, name string) string {
	upper := strings.ToUpper(name)
	var start = -1
	var headerLen int

	for _, marker := range sectionMarkers {
		if !strings.HasPrefix(strings.ToUpper(marker), upper) {
			continue
		}
		if idx := strings.Index(text, marker); idx >= 0 && (start < 0 || idx < start) {
			start = idx
			headerLen = len(marker)
		}
	}
	if start < 0 {
		return ""
	}

	body := text[start+headerLen:]
	end := len(body)
	for _, marker := range sectionMarkers {
		if strings.HasPrefix(strings.ToUpper(marker), upper) {
			continue
		}
		if idx := strings.Index(body, marker); idx >= 0 && idx < end {
			end = idx
		}
	}
	return strings.TrimSpace(body[:end])
}

// extractBullets pulls "-" and "•" bullet lines from a section body.
// A body without bullets becomes a single entry.
func extractBullets(body string) []string {
	if body == "" {
		return nil
	}
	var items []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "-") {
			items = append(items, strings.TrimSpace(strings.TrimPrefix(trimmed, "-")))
		} else if strings.HasPrefix(trimmed, "•") {
			items = append(items, strings.TrimSpace(strings.TrimPrefix(trimmed, "•")))
		}
	}
	if len(items) == 0 {
		return []string{body}
	}
	return items
}

// scoreConfidence rates how complete the analysis is. A full analysis with
// a root cause, findings, recommendations, and an auto-fix determination
// scores high; sparse analyses score low.
func scoreConfidence(res *Result) float64 {
	score := 0.2
	if res.RootCause != "" {
		score += 0.3
	}
	if len(res.Findings) > 0 {
		score += 0.2
	}
	if len(res.Findings) > 2 {
		score += 0.1
	}
	if len(res.Recommendations) > 0 {
		score += 0.1
	}
	if res.CanAutoFix && res.FixCommand != "" {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
