package policy

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/imran-siddique/agentos/internal/domain/action"
)

// Risk score composition. Each contribution is additive and the total
// clamps to [0,1].
const (
	patternHitWeight     = 0.30
	unknownDomainPenalty = 0.25
	blockedDomainWeight  = 0.60
	longArgsThreshold    = 4096
	longArgsWeight       = 0.10
)

// actionBaseWeight grades action types by inherent blast radius.
var actionBaseWeight = map[action.ActionType]float64{
	action.ActionFileRead:        0.05,
	action.ActionFileWrite:       0.20,
	action.ActionCodeExecution:   0.35,
	action.ActionAPICall:         0.15,
	action.ActionDatabaseQuery:   0.10,
	action.ActionDatabaseWrite:   0.30,
	action.ActionWorkflowTrigger: 0.20,
	action.ActionToolCallGeneric: 0.10,
}

// RiskAssessment is the scored outcome of a risk policy evaluation.
type RiskAssessment struct {
	// Score is the computed risk in [0,1].
	Score float64
	// PatternHits lists which high-risk patterns matched.
	PatternHits []string
	// RegexTimeouts lists patterns whose evaluation blew the budget.
	RegexTimeouts []string
	// BlockedDomain is set when an api_call targets a blocked domain.
	BlockedDomain string
}

// AssessRisk scores a request against a risk policy. Scoring is
// deterministic: same request and policy, same score.
func AssessRisk(req *action.ExecutionRequest, rp RiskPolicy) (RiskAssessment, error) {
	var a RiskAssessment
	score := actionBaseWeight[req.Type]

	corpus := flattenForScan(req.Arguments)
	for _, pattern := range rp.HighRiskPatterns {
		re, err := compilePattern(pattern)
		if err != nil {
			return RiskAssessment{}, fmt.Errorf("risk policy: %w", err)
		}
		start := time.Now()
		matched := re.MatchString(corpus)
		if time.Since(start) > regexBudget {
			a.RegexTimeouts = append(a.RegexTimeouts, pattern)
			continue
		}
		if matched {
			a.PatternHits = append(a.PatternHits, pattern)
			score += patternHitWeight
		}
	}

	if len(corpus) > longArgsThreshold {
		score += longArgsWeight
	}

	if req.Type == action.ActionAPICall {
		domain := requestDomain(req)
		switch {
		case domain == "":
			// No destination at all is its own smell.
			score += unknownDomainPenalty
		case domainListed(domain, rp.BlockedDomains):
			a.BlockedDomain = domain
			score += blockedDomainWeight
		case len(rp.AllowedDomains) > 0 && !domainListed(domain, rp.AllowedDomains):
			score += unknownDomainPenalty
		}
	}

	a.Score = clampScore(score)
	return a, nil
}

// requestDomain extracts the destination host from an api_call's
// url/endpoint/domain argument.
func requestDomain(req *action.ExecutionRequest) string {
	for _, key := range []string{"url", "endpoint", "domain", "host"} {
		raw, ok := req.Arguments[key].(string)
		if !ok || raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return strings.ToLower(u.Hostname())
		}
		return strings.ToLower(raw)
	}
	return ""
}

// domainListed matches a host against a list, treating each list entry
// as exact or a parent-domain suffix.
func domainListed(host string, list []string) bool {
	for _, d := range list {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// flattenForScan joins all string arguments into one scan corpus.
func flattenForScan(args map[string]interface{}) string {
	return strings.Join(stringArgs(args), "\n")
}
