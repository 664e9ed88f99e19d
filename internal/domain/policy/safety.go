package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/imran-siddique/agentos/internal/domain/action"
)

// The mandatory safety screen runs before any configurable table and
// cannot be disabled. It rejects path traversal, destructive command
// patterns in executed code, and hostile SQL shapes.

var (
	systemPrefixes = []string{"/etc/", "/sys/", "/proc/", "/dev/", `c:\windows\`}

	destructivePatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"rm_rf", regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`)},
		{"format", regexp.MustCompile(`(?i)\bformat\s+[a-z]:`)},
		{"drop", regexp.MustCompile(`(?i)\bdrop\s+(table|database)\b`)},
		{"truncate", regexp.MustCompile(`(?i)\btruncate\s+table\b`)},
		{"mkfs", regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`)},
	}

	deleteStmt  = regexp.MustCompile(`(?i)\bdelete\s+from\s+\S+`)
	whereClause = regexp.MustCompile(`(?i)\bwhere\b`)

	sqlLineComment  = regexp.MustCompile(`--[^\n]*`)
	sqlBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	sqlHashComment  = regexp.MustCompile(`#[^\n]*`)
)

// SafetyViolation describes why the mandatory screen rejected a request.
type SafetyViolation struct {
	// Check names the failed check: path_traversal, destructive_command,
	// sql_stacked_statements, sql_delete_without_where.
	Check string
	// Detail carries the offending fragment or field.
	Detail string
}

func (v *SafetyViolation) Error() string {
	return fmt.Sprintf("safety screen: %s (%s)", v.Check, v.Detail)
}

// RuleID names the built-in rule the violation maps to, in the same
// namespace as configured rules.
func (v *SafetyViolation) RuleID() string {
	switch v.Check {
	case "path_traversal":
		return "safety.no_path_traversal"
	case "sql_stacked_statements":
		return "safety.no_stacked_statements"
	case "sql_delete_without_where":
		return "safety.no_destructive_sql"
	case "destructive_command":
		switch v.Detail {
		case "drop", "truncate", "delete_without_where":
			return "safety.no_destructive_sql"
		}
		return "safety.no_destructive_command"
	}
	return "safety.screen"
}

// Screen applies the mandatory safety checks to a request. A nil return
// means the request passed; a SafetyViolation means unconditional DENY.
func Screen(req *action.ExecutionRequest) *SafetyViolation {
	if v := screenPaths("", req.Arguments); v != nil {
		return v
	}

	switch req.Type {
	case action.ActionCodeExecution:
		for _, s := range stringArgs(req.Arguments) {
			if v := screenDestructive(s); v != nil {
				return v
			}
		}
	case action.ActionDatabaseQuery, action.ActionDatabaseWrite:
		for _, s := range stringArgs(req.Arguments) {
			if v := screenSQL(s); v != nil {
				return v
			}
		}
	}
	return nil
}

// screenPaths walks the arguments and rejects any string that traverses
// upward or lands in a system prefix. Only path-shaped strings are
// inspected so that free text mentioning dots is not rejected.
func screenPaths(prefix string, args map[string]interface{}) *SafetyViolation {
	for key, raw := range args {
		field := key
		if prefix != "" {
			field = prefix + "." + key
		}
		switch t := raw.(type) {
		case string:
			if !looksLikePath(t) {
				continue
			}
			if v := checkPath(field, t); v != nil {
				return v
			}
		case map[string]interface{}:
			if v := screenPaths(field, t); v != nil {
				return v
			}
		case []interface{}:
			for _, e := range t {
				if s, ok := e.(string); ok && looksLikePath(s) {
					if v := checkPath(field, s); v != nil {
						return v
					}
				}
			}
		}
	}
	return nil
}

func looksLikePath(s string) bool {
	return strings.ContainsAny(s, `/\`) || strings.Contains(s, "..")
}

func checkPath(field, p string) *SafetyViolation {
	norm := strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return &SafetyViolation{Check: "path_traversal", Detail: field}
		}
	}
	lowered := strings.ToLower(p)
	for _, sys := range systemPrefixes {
		probe := strings.ReplaceAll(sys, `\`, "/")
		if strings.HasPrefix(norm, probe) || strings.HasPrefix(lowered, sys) {
			return &SafetyViolation{Check: "path_traversal", Detail: field}
		}
	}
	return nil
}

func screenDestructive(code string) *SafetyViolation {
	for _, p := range destructivePatterns {
		if p.re.MatchString(code) {
			return &SafetyViolation{Check: "destructive_command", Detail: p.name}
		}
	}
	if m := deleteStmt.FindString(code); m != "" && !whereClause.MatchString(code) {
		return &SafetyViolation{Check: "destructive_command", Detail: "delete_without_where"}
	}
	return nil
}

// screenSQL strips comments for pattern matching (the query itself is
// never rewritten) and rejects stacked statements and unscoped deletes.
func screenSQL(query string) *SafetyViolation {
	stripped := sqlBlockComment.ReplaceAllString(query, " ")
	stripped = sqlLineComment.ReplaceAllString(stripped, " ")
	stripped = sqlHashComment.ReplaceAllString(stripped, " ")

	if stackedStatements(stripped) {
		return &SafetyViolation{Check: "sql_stacked_statements", Detail: "multiple statements"}
	}
	for _, p := range destructivePatterns {
		if (p.name == "drop" || p.name == "truncate") && p.re.MatchString(stripped) {
			return &SafetyViolation{Check: "destructive_command", Detail: p.name}
		}
	}
	if deleteStmt.MatchString(stripped) && !whereClause.MatchString(stripped) {
		return &SafetyViolation{Check: "sql_delete_without_where", Detail: "delete without where"}
	}
	return nil
}

// SourceFinding is one destructive pattern found by the static source
// scan backing the check command.
type SourceFinding struct {
	// Line is the 1-based line number.
	Line int `json:"line"`
	// Pattern names the matched destructive pattern.
	Pattern string `json:"pattern"`
	// Text is the offending line, trimmed.
	Text string `json:"text"`
}

// ScanSource scans file content line by line for destructive command
// and SQL patterns. Unlike Screen it reports every hit instead of
// stopping at the first.
func ScanSource(content string) []SourceFinding {
	var out []SourceFinding
	for i, line := range strings.Split(content, "\n") {
		matched := false
		for _, p := range destructivePatterns {
			if p.re.MatchString(line) {
				out = append(out, SourceFinding{Line: i + 1, Pattern: p.name, Text: strings.TrimSpace(line)})
				matched = true
				break
			}
		}
		if !matched && deleteStmt.MatchString(line) && !whereClause.MatchString(line) {
			out = append(out, SourceFinding{Line: i + 1, Pattern: "delete_without_where", Text: strings.TrimSpace(line)})
		}
	}
	return out
}

// stackedStatements reports whether the query carries more than one
// statement. Semicolons inside string literals do not count; a single
// trailing semicolon is fine.
func stackedStatements(q string) bool {
	inString := false
	var quote byte
	for i := 0; i < len(q); i++ {
		c := q[i]
		if inString {
			if c == quote {
				inString = false
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = true
			quote = c
		case ';':
			if strings.TrimSpace(q[i+1:]) != "" {
				return true
			}
		}
	}
	return false
}

// stringArgs flattens every string value out of the arguments.
func stringArgs(args map[string]interface{}) []string {
	var out []string
	var walk func(raw interface{})
	walk = func(raw interface{}) {
		switch t := raw.(type) {
		case string:
			out = append(out, t)
		case map[string]interface{}:
			for _, e := range t {
				walk(e)
			}
		case []interface{}:
			for _, e := range t {
				walk(e)
			}
		}
	}
	for _, raw := range args {
		walk(raw)
	}
	return out
}
