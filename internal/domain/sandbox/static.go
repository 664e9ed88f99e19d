// Package sandbox guards code_execution actions: a static lexical
// screen before execution and a guarded runner with an import
// interception prelude and resource budgets.
package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// Violation types reported by the static screen.
const (
	ViolationBlockedCall   = "blocked_call"
	ViolationBlockedImport = "blocked_import"
)

// Violation is one blocked symbol found in candidate code.
type Violation struct {
	// Type is blocked_call or blocked_import.
	Type string `json:"type"`
	// Line is the 1-based source line.
	Line int `json:"line"`
	// Symbol is the offending call or module.
	Symbol string `json:"symbol"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %q at line %d", v.Type, v.Symbol, v.Line)
}

// blockedCalls are call-sites that defeat any static analysis of what
// the code will do.
var blockedCalls = []*regexp.Regexp{
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bexec\s*\(`),
	regexp.MustCompile(`\bcompile\s*\(`),
	regexp.MustCompile(`\b__import__\s*\(`),
	regexp.MustCompile(`\bimportlib\.import_module\s*\(`),
	regexp.MustCompile(`\bgetattr\s*\(\s*__builtins__`),
}

// BlockedModules is the default deny set: shell runners, OS facilities,
// recursive filesystem ops, sockets, and foreign-function interfaces.
var BlockedModules = []string{
	"subprocess",
	"os",
	"sys",
	"shutil",
	"socket",
	"ctypes",
	"multiprocessing",
	"importlib",
}

var importStmt = regexp.MustCompile(`^\s*(?:import\s+([A-Za-z_][\w.]*)|from\s+([A-Za-z_][\w.]*)\s+import\b)`)

// Screen lexically scans candidate code for blocked calls and imports.
// Comments and string literals are stripped first so quoted mentions of
// a blocked name do not trip the screen. An empty slice means the code
// may proceed to the runner.
func Screen(code string, blockedModules []string) []Violation {
	if blockedModules == nil {
		blockedModules = BlockedModules
	}
	blocked := make(map[string]bool, len(blockedModules))
	for _, m := range blockedModules {
		blocked[m] = true
	}

	var out []Violation
	for i, line := range strings.Split(code, "\n") {
		clean := stripLine(line)

		if m := importStmt.FindStringSubmatch(clean); m != nil {
			module := m[1]
			if module == "" {
				module = m[2]
			}
			root := strings.SplitN(module, ".", 2)[0]
			if blocked[root] {
				out = append(out, Violation{Type: ViolationBlockedImport, Line: i + 1, Symbol: root})
				continue
			}
		}

		for _, re := range blockedCalls {
			if loc := re.FindString(clean); loc != "" {
				symbol := strings.TrimRight(strings.TrimSpace(loc), "( \t")
				out = append(out, Violation{Type: ViolationBlockedCall, Line: i + 1, Symbol: symbol})
				break
			}
		}
	}
	return out
}

// stripLine removes string literal contents and trailing comments from
// one line. Literal delimiters are kept so call syntax stays intact.
func stripLine(line string) string {
	var b strings.Builder
	inString := false
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inString {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				inString = false
				b.WriteByte(c)
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = true
			quote = c
			b.WriteByte(c)
		case '#':
			return b.String()
		case '/':
			if i+1 < len(line) && line[i+1] == '/' {
				return b.String()
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
