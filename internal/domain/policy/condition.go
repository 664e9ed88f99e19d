package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// regexCache holds compiled matches() patterns. Patterns come from
// operator-controlled policy files, so the cache is unbounded.
var regexCache sync.Map // pattern string -> *regexp.Regexp

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid matches pattern %q: %w", pattern, err)
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// EvalResult carries the outcome of one condition evaluation plus any
// regex budget overruns encountered along the way.
type EvalResult struct {
	// Matched is true when the condition holds.
	Matched bool
	// RegexTimeouts lists patterns whose evaluation exceeded the budget
	// and were therefore treated as not matched.
	RegexTimeouts []string
}

// Evaluate checks a condition tree against the request context.
// A missing attribute makes the leaf not match rather than erroring:
// absent data can never satisfy a predicate. Structural problems
// (unknown operator, bad pattern, malformed tree) return an error so
// the caller can fail closed.
func Evaluate(cond Condition, ec EvaluationContext) (EvalResult, error) {
	var res EvalResult
	matched, err := evalNode(cond, ec, &res)
	if err != nil {
		return EvalResult{}, err
	}
	res.Matched = matched
	return res, nil
}

func evalNode(cond Condition, ec EvaluationContext, res *EvalResult) (bool, error) {
	switch {
	case len(cond.All) > 0:
		for _, child := range cond.All {
			ok, err := evalNode(child, ec, res)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case len(cond.Any) > 0:
		for _, child := range cond.Any {
			ok, err := evalNode(child, ec, res)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case cond.Not != nil:
		ok, err := evalNode(*cond.Not, ec, res)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case cond.AttributePath != "":
		return evalLeaf(cond, ec, res)
	default:
		return false, fmt.Errorf("malformed condition: no leaf fields and no combinator")
	}
}

func evalLeaf(cond Condition, ec EvaluationContext, res *EvalResult) (bool, error) {
	if !cond.Operator.Valid() {
		return false, fmt.Errorf("unknown operator %q on path %q", cond.Operator, cond.AttributePath)
	}

	actual, err := ec.Resolve(cond.AttributePath)
	if err != nil {
		if _, ok := err.(*PathError); ok {
			return false, nil
		}
		return false, err
	}
	expected := FromAny(cond.Value)

	switch cond.Operator {
	case OpEq:
		return actual.equal(expected), nil
	case OpNe:
		return !actual.equal(expected), nil
	case OpGt, OpLt, OpGte, OpLte:
		return compareOrdered(cond.Operator, actual, expected), nil
	case OpIn:
		return memberOf(actual, expected), nil
	case OpNotIn:
		return !memberOf(actual, expected), nil
	case OpContains:
		return containsValue(actual, expected), nil
	case OpNotContains:
		return !containsValue(actual, expected), nil
	case OpStartsWith:
		return actual.kind == KindString && expected.kind == KindString &&
			strings.HasPrefix(actual.s, expected.s), nil
	case OpNotStartsWith:
		if actual.kind != KindString || expected.kind != KindString {
			return false, nil
		}
		return !strings.HasPrefix(actual.s, expected.s), nil
	case OpMatches:
		if expected.kind != KindString {
			return false, fmt.Errorf("matches pattern on path %q must be a string", cond.AttributePath)
		}
		if actual.kind != KindString {
			return false, nil
		}
		return matchWithBudget(expected.s, actual.s, res)
	}
	return false, nil
}

// matchWithBudget runs a pattern match and enforces the evaluation
// budget. Go's regexp is linear-time, so overruns indicate a
// pathological pattern/input pair; those count as NOT MATCHED and are
// reported for the regex_timeout audit event.
func matchWithBudget(pattern, input string, res *EvalResult) (bool, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return false, err
	}
	start := time.Now()
	matched := re.MatchString(input)
	if time.Since(start) > regexBudget {
		res.RegexTimeouts = append(res.RegexTimeouts, pattern)
		return false, nil
	}
	return matched, nil
}

func compareOrdered(op Operator, actual, expected Value) bool {
	// Ordered comparison covers numbers and strings; mixed kinds never match.
	if af, ok := actual.asFloat(); ok {
		ef, eok := expected.asFloat()
		if !eok {
			return false
		}
		switch op {
		case OpGt:
			return af > ef
		case OpLt:
			return af < ef
		case OpGte:
			return af >= ef
		case OpLte:
			return af <= ef
		}
		return false
	}
	if actual.kind == KindString && expected.kind == KindString {
		switch op {
		case OpGt:
			return actual.s > expected.s
		case OpLt:
			return actual.s < expected.s
		case OpGte:
			return actual.s >= expected.s
		case OpLte:
			return actual.s <= expected.s
		}
	}
	return false
}

// memberOf reports whether actual appears in the expected list.
func memberOf(actual, expected Value) bool {
	if expected.kind != KindList {
		return false
	}
	for _, e := range expected.list {
		if actual.equal(e) {
			return true
		}
	}
	return false
}

// containsValue handles both string containment and list membership.
func containsValue(actual, expected Value) bool {
	switch actual.kind {
	case KindString:
		return expected.kind == KindString && strings.Contains(actual.s, expected.s)
	case KindList:
		for _, e := range actual.list {
			if e.equal(expected) {
				return true
			}
		}
	}
	return false
}

// EvaluateSet applies AND or OR semantics over a condition list, as a
// ConditionalPermission requires.
func EvaluateSet(conds []Condition, requireAll bool, ec EvaluationContext) (EvalResult, error) {
	var res EvalResult
	if len(conds) == 0 {
		res.Matched = true
		return res, nil
	}
	for _, cond := range conds {
		one, err := Evaluate(cond, ec)
		if err != nil {
			return EvalResult{}, err
		}
		res.RegexTimeouts = append(res.RegexTimeouts, one.RegexTimeouts...)
		if requireAll && !one.Matched {
			res.Matched = false
			return res, nil
		}
		if !requireAll && one.Matched {
			res.Matched = true
			return res, nil
		}
	}
	res.Matched = requireAll
	return res, nil
}
