// Package scan provides the shared content detectors used by the flight
// recorder scrubber, the memory guard, and the trust sidecar: sensitive
// data (credit cards, SSNs, email, phone), prompt/code injection, and
// unicode manipulation.
package scan

import (
	"regexp"
	"strings"
)

// SensitiveType identifies a class of sensitive data.
type SensitiveType string

const (
	// SensitiveCreditCard is a card number that passed the Luhn check.
	SensitiveCreditCard SensitiveType = "credit_card"
	// SensitiveSSN is a US social security number (DDD-DD-DDDD).
	SensitiveSSN SensitiveType = "ssn"
	// SensitiveEmail is an email address.
	SensitiveEmail SensitiveType = "email"
	// SensitivePhone is a phone number.
	SensitivePhone SensitiveType = "phone"
)

// Redaction tokens substituted for detected values.
const (
	RedactedCreditCard = "[REDACTED:CC]"
	RedactedSSN        = "[REDACTED:SSN]"
	RedactedEmail      = "[REDACTED:EMAIL]"
	RedactedPhone      = "[REDACTED:PHONE]"
)

// SensitiveFinding is a single sensitive-data match.
type SensitiveFinding struct {
	// Type is the class of data found.
	Type SensitiveType
	// Matched is the matched text, truncated to 32 characters.
	Matched string
	// Position is the byte offset of the match.
	Position int
}

var (
	// candidate card numbers: 13-19 digits with optional space/dash separators
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\b(?:\+?1[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`)
	digitsOnly   = regexp.MustCompile(`\D`)
)

// LuhnValid reports whether the digits of s form a valid Luhn checksum.
// Non-digit separators are stripped before checking.
func LuhnValid(s string) bool {
	digits := digitsOnly.ReplaceAllString(s, "")
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
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

// SensitiveScanner detects sensitive data classes in free text.
// Email and phone detection are optional; card and SSN detection are
// always on.
type SensitiveScanner struct {
	detectEmail bool
	detectPhone bool
}

// NewSensitiveScanner creates a scanner. Card and SSN detection are
// mandatory; email and phone detection are enabled by the flags.
func NewSensitiveScanner(detectEmail, detectPhone bool) *SensitiveScanner {
	return &SensitiveScanner{detectEmail: detectEmail, detectPhone: detectPhone}
}

// Scan returns all sensitive-data findings in content.
func (s *SensitiveScanner) Scan(content string) []SensitiveFinding {
	if content == "" {
		return nil
	}

	var findings []SensitiveFinding

	for _, loc := range cardPattern.FindAllStringIndex(content, -1) {
		candidate := content[loc[0]:loc[1]]
		if LuhnValid(candidate) {
			findings = append(findings, finding(SensitiveCreditCard, candidate, loc[0]))
		}
	}
	for _, loc := range ssnPattern.FindAllStringIndex(content, -1) {
		findings = append(findings, finding(SensitiveSSN, content[loc[0]:loc[1]], loc[0]))
	}
	if s.detectEmail {
		for _, loc := range emailPattern.FindAllStringIndex(content, -1) {
			findings = append(findings, finding(SensitiveEmail, content[loc[0]:loc[1]], loc[0]))
		}
	}
	if s.detectPhone {
		for _, loc := range phonePattern.FindAllStringIndex(content, -1) {
			candidate := content[loc[0]:loc[1]]
			// Card numbers with separators also match the loose phone
			// pattern; skip anything already classified as a card.
			if LuhnValid(candidate) {
				continue
			}
			findings = append(findings, finding(SensitivePhone, candidate, loc[0]))
		}
	}

	return findings
}

// Redact replaces every sensitive match in content with its redaction
// token and returns the scrubbed text plus the findings.
func (s *SensitiveScanner) Redact(content string) (string, []SensitiveFinding) {
	findings := s.Scan(content)
	if len(findings) == 0 {
		return content, nil
	}

	out := content
	out = replaceValidCards(out)
	out = ssnPattern.ReplaceAllString(out, RedactedSSN)
	if s.detectEmail {
		out = emailPattern.ReplaceAllString(out, RedactedEmail)
	}
	if s.detectPhone {
		out = phonePattern.ReplaceAllStringFunc(out, func(m string) string {
			if strings.Contains(m, RedactedCreditCard) {
				return m
			}
			return RedactedPhone
		})
	}
	return out, findings
}

// replaceValidCards substitutes only Luhn-valid card candidates.
func replaceValidCards(content string) string {
	return cardPattern.ReplaceAllStringFunc(content, func(m string) string {
		if LuhnValid(m) {
			return RedactedCreditCard
		}
		return m
	})
}

// HasType reports whether findings contain the given type.
func HasType(findings []SensitiveFinding, t SensitiveType) bool {
	for _, f := range findings {
		if f.Type == t {
			return true
		}
	}
	return false
}

func finding(t SensitiveType, matched string, pos int) SensitiveFinding {
	if len(matched) > 32 {
		matched = matched[:32]
	}
	return SensitiveFinding{Type: t, Matched: matched, Position: pos}
}
