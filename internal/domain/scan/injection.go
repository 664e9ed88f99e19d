package scan

import (
	"regexp"
	"time"
)

// InjectionSeverity grades how dangerous a detection is.
type InjectionSeverity string

const (
	// InjectionHigh detections are allowed through with an alert.
	InjectionHigh InjectionSeverity = "high"
	// InjectionCritical detections reject the write outright.
	InjectionCritical InjectionSeverity = "critical"
)

// InjectionFinding is a single injection-pattern match.
type InjectionFinding struct {
	// PatternName identifies the matched pattern (e.g. "system_prompt_override").
	PatternName string
	// Category groups related patterns (prompt_injection, code_injection,
	// unicode_manipulation, exfiltration).
	Category string
	// Severity grades the match.
	Severity InjectionSeverity
	// MatchedText is the text that matched, truncated to 100 characters.
	MatchedText string
	// Position is the byte offset where the match starts.
	Position int
}

// InjectionResult is the outcome of screening content for injection.
type InjectionResult struct {
	// Detected is true if one or more patterns matched.
	Detected bool
	// Findings contains all matches.
	Findings []InjectionFinding
	// ScanDurationNs is how long the scan took.
	ScanDurationNs int64
}

// MaxSeverity returns the highest severity among the findings, or empty
// if none matched.
func (r InjectionResult) MaxSeverity() InjectionSeverity {
	max := InjectionSeverity("")
	for _, f := range r.Findings {
		if f.Severity == InjectionCritical {
			return InjectionCritical
		}
		max = f.Severity
	}
	return max
}

// compiledInjection holds a pre-compiled pattern with metadata.
type compiledInjection struct {
	name     string
	category string
	severity InjectionSeverity
	re       *regexp.Regexp
}

// InjectionScanner detects prompt-injection, code-injection, and
// exfiltration patterns in content written to agent memory or returned
// from tools. All patterns compile at construction time.
type InjectionScanner struct {
	patterns []compiledInjection
}

// NewInjectionScanner creates an InjectionScanner with the built-in
// pattern set.
func NewInjectionScanner() *InjectionScanner {
	raw := []struct {
		name     string
		category string
		severity InjectionSeverity
		pattern  string
	}{
		{
			name:     "system_prompt_override",
			category: "prompt_injection",
			severity: InjectionCritical,
			pattern:  `(?i)(?:ignore|disregard|forget)\s+(?:all\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules|context)`,
		},
		{
			name:     "role_hijack",
			category: "prompt_injection",
			severity: InjectionHigh,
			pattern:  `(?i)you\s+are\s+(?:now|actually|really)\s+(?:a|an|my)\s+`,
		},
		{
			name:     "instruction_injection",
			category: "prompt_injection",
			severity: InjectionHigh,
			pattern:  `(?i)(?:new\s+instructions?|updated?\s+(?:instructions?|rules?|prompt)):\s*`,
		},
		{
			name:     "system_tag_injection",
			category: "prompt_injection",
			severity: InjectionHigh,
			pattern:  `(?i)<\s*(?:system|assistant|user|human|ai)\s*>`,
		},
		{
			name:     "delimiter_escape",
			category: "delimiter_escape",
			severity: InjectionHigh,
			pattern:  "(?i)(?:```|---|\\.{3})\\s*(?:system|instructions?|rules?)\\s*(?:```|---|\\.{3})",
		},
		{
			name:     "do_anything_now",
			category: "prompt_injection",
			severity: InjectionCritical,
			pattern:  `(?i)(?:DAN|do\s+anything\s+now|jailbreak|ignore\s+safety)`,
		},
		{
			name:     "canary_exfiltration",
			category: "exfiltration",
			severity: InjectionCritical,
			pattern:  `(?i)(?:repeat|echo|print|send)\s+(?:the\s+)?(?:canary|secret|system\s+prompt|api[_ ]?key)`,
		},
		{
			name:     "eval_call",
			category: "code_injection",
			severity: InjectionCritical,
			pattern:  `\beval\s*\(`,
		},
		{
			name:     "exec_call",
			category: "code_injection",
			severity: InjectionCritical,
			pattern:  `\bexec\s*\(`,
		},
		{
			name:     "dynamic_import",
			category: "code_injection",
			severity: InjectionCritical,
			pattern:  `\b__import__\s*\(`,
		},
		{
			name:     "dangerous_module",
			category: "code_injection",
			severity: InjectionHigh,
			pattern:  `\b(?:subprocess|os\.system|shutil\.rmtree|socket\.socket|ctypes)\b`,
		},
	}

	compiled := make([]compiledInjection, 0, len(raw))
	for _, rp := range raw {
		compiled = append(compiled, compiledInjection{
			name:     rp.name,
			category: rp.category,
			severity: rp.severity,
			re:       regexp.MustCompile(rp.pattern),
		})
	}
	return &InjectionScanner{patterns: compiled}
}

// Scan runs all patterns against content, including the unicode
// manipulation checks. Empty content returns immediately.
func (s *InjectionScanner) Scan(content string) InjectionResult {
	start := time.Now()
	if content == "" {
		return InjectionResult{ScanDurationNs: time.Since(start).Nanoseconds()}
	}

	var findings []InjectionFinding
	for _, p := range s.patterns {
		for _, loc := range p.re.FindAllStringIndex(content, -1) {
			matched := content[loc[0]:loc[1]]
			if len(matched) > 100 {
				matched = matched[:100]
			}
			findings = append(findings, InjectionFinding{
				PatternName:     p.name,
				Category:        p.category,
				Severity:        p.severity,
				MatchedText:     matched,
				Position:        loc[0],
			})
		}
	}

	findings = append(findings, scanUnicode(content)...)

	return InjectionResult{
		Detected:       len(findings) > 0,
		Findings:       findings,
		ScanDurationNs: time.Since(start).Nanoseconds(),
	}
}

// ScanJSON recursively scans JSON-compatible values (strings, maps,
// slices) for injection patterns.
func (s *InjectionScanner) ScanJSON(v interface{}) InjectionResult {
	start := time.Now()
	var findings []InjectionFinding
	s.scanValue(v, &findings)
	return InjectionResult{
		Detected:       len(findings) > 0,
		Findings:       findings,
		ScanDurationNs: time.Since(start).Nanoseconds(),
	}
}

// scanValue recursively extracts strings and scans them.
func (s *InjectionScanner) scanValue(v interface{}, findings *[]InjectionFinding) {
	switch val := v.(type) {
	case string:
		if result := s.Scan(val); result.Detected {
			*findings = append(*findings, result.Findings...)
		}
	case map[string]interface{}:
		for _, mv := range val {
			s.scanValue(mv, findings)
		}
	case []interface{}:
		for _, item := range val {
			s.scanValue(item, findings)
		}
	}
}
