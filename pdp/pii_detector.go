// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pdp

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// PIIType categorizes detected personally identifiable information.
type PIIType string

const (
	PIITypeEmail       PIIType = "email"
	PIITypePhone       PIIType = "phone"
	PIITypeSSN         PIIType = "ssn"
	PIITypeCreditCard  PIIType = "credit_card"
	PIITypeIPAddress   PIIType = "ip_address"
	PIITypeName        PIIType = "name"
	PIITypeAddress     PIIType = "address"
	PIITypeDateOfBirth PIIType = "date_of_birth"
)

// PIIConfidence grades how likely a match is real PII.
type PIIConfidence string

const (
	PIIConfidenceLow    PIIConfidence = "low"
	PIIConfidenceMedium PIIConfidence = "medium"
	PIIConfidenceHigh   PIIConfidence = "high"
)

// PIIMatch is a single detection. Start/End are byte offsets into the
// scanned text. Patterns are not mutually exclusive; callers must not assume
// matches do not overlap.
type PIIMatch struct {
	Type       PIIType       `json:"type"`
	Value      string        `json:"value"`
	Start      int           `json:"start"`
	End        int           `json:"end"`
	Confidence PIIConfidence `json:"confidence"`
}

// piiPattern binds a compiled pattern to its confidence grader.
type piiPattern struct {
	piiType PIIType
	pattern *regexp.Regexp
	grade   func(match string) PIIConfidence
}

// maxScanBytes bounds the text the detector will scan. Longer inputs are
// truncated; the detector never holds more than this much of a prompt.
const maxScanBytes = 1 << 20 // 1MB

// PIIDetector scans text with a closed set of patterns.
type PIIDetector struct {
	patterns []piiPattern
}

// NewPIIDetector creates a detector with all pattern types enabled.
func NewPIIDetector() *PIIDetector {
	return &PIIDetector{patterns: []piiPattern{
		{
			piiType: PIITypeEmail,
			pattern: regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
			grade:   gradeEmail,
		},
		{
			piiType: PIITypePhone,
			pattern: regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
			grade:   gradePhone,
		},
		{
			piiType: PIITypeSSN,
			pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			grade:   func(string) PIIConfidence { return PIIConfidenceHigh },
		},
		{
			piiType: PIITypeCreditCard,
			pattern: regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`),
			grade:   gradeCreditCard,
		},
		{
			piiType: PIITypeIPAddress,
			pattern: regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
			grade:   gradeIPAddress,
		},
		{
			piiType: PIITypeName,
			pattern: regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`),
			grade:   func(string) PIIConfidence { return PIIConfidenceLow },
		},
		{
			piiType: PIITypeAddress,
			pattern: regexp.MustCompile(`(?i)\b\d+\s+[a-z0-9.\s]+?\s+(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|circle|cir|place|pl|way)\b`),
			grade:   func(string) PIIConfidence { return PIIConfidenceMedium },
		},
		{
			piiType: PIITypeDateOfBirth,
			pattern: regexp.MustCompile(`\b(?:\d{1,2}[/\-]\d{1,2}[/\-](?:19|20)?\d{2}|(?:19|20)\d{2}[/\-]\d{1,2}[/\-]\d{1,2})\b`),
			grade:   func(string) PIIConfidence { return PIIConfidenceMedium },
		},
	}}
}

// Detect scans text and returns all matches in pattern order.
func (d *PIIDetector) Detect(text string) []PIIMatch {
	if len(text) > maxScanBytes {
		text = text[:maxScanBytes]
	}

	var matches []PIIMatch
	for _, p := range d.patterns {
		for _, loc := range p.pattern.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			matches = append(matches, PIIMatch{
				Type:       p.piiType,
				Value:      value,
				Start:      loc[0],
				End:        loc[1],
				Confidence: p.grade(value),
			})
		}
	}
	return matches
}

// ContainsPII reports whether any pattern matches.
func (d *PIIDetector) ContainsPII(text string) bool {
	if len(text) > maxScanBytes {
		text = text[:maxScanBytes]
	}
	for _, p := range d.patterns {
		if p.pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// PIITypes returns the deduplicated types present in matches, in first-seen
// order.
func PIITypes(matches []PIIMatch) []string {
	seen := make(map[PIIType]bool)
	var types []string
	for _, m := range matches {
		if !seen[m.Type] {
			seen[m.Type] = true
			types = append(types, string(m.Type))
		}
	}
	return types
}

// Redact replaces every match span with repeated '*' characters of the same
// length. Spans are replaced in descending start order so earlier indices
// stay valid while later spans are rewritten.
func (d *PIIDetector) Redact(text string) string {
	matches := d.Detect(text)
	sort.Slice(matches, func(i, j int) bool { return matches[i].Start > matches[j].Start })

	out := text
	for _, m := range matches {
		out = out[:m.Start] + strings.Repeat("*", m.End-m.Start) + out[m.End:]
	}
	return out
}

// RedactWithLabels replaces every match span with a [TYPE_REDACTED] label,
// using the same descending-start order discipline as Redact.
func (d *PIIDetector) RedactWithLabels(text string) string {
	matches := d.Detect(text)
	sort.Slice(matches, func(i, j int) bool { return matches[i].Start > matches[j].Start })

	out := text
	for _, m := range matches {
		label := "[" + strings.ToUpper(string(m.Type)) + "_REDACTED]"
		out = out[:m.Start] + label + out[m.End:]
	}
	return out
}

// gradeEmail is high when the match carries both an @ and a dot.
func gradeEmail(match string) PIIConfidence {
	if strings.Contains(match, "@") && strings.Contains(match, ".") {
		return PIIConfidenceHigh
	}
	return PIIConfidenceMedium
}

// gradePhone is high for 10 or 11 digit numbers after stripping separators.
func gradePhone(match string) PIIConfidence {
	digits := stripNonDigits(match)
	if len(digits) == 10 || len(digits) == 11 {
		return PIIConfidenceHigh
	}
	return PIIConfidenceLow
}

// gradeCreditCard is high only when the digits pass the Luhn check.
func gradeCreditCard(match string) PIIConfidence {
	if luhnCheck(stripNonDigits(match)) {
		return PIIConfidenceHigh
	}
	return PIIConfidenceLow
}

// gradeIPAddress is high only when every octet is in [0,255].
func gradeIPAddress(match string) PIIConfidence {
	for _, octet := range strings.Split(match, ".") {
		n := 0
		for _, r := range octet {
			n = n*10 + int(r-'0')
		}
		if n > 255 {
			return PIIConfidenceLow
		}
	}
	return PIIConfidenceHigh
}

// stripNonDigits drops every non-digit rune.
func stripNonDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// luhnCheck validates a digit string with the Luhn algorithm.
func luhnCheck(digits string) bool {
	if len(digits) == 0 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
