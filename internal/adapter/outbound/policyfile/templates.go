package policyfile

import (
	"fmt"

	"github.com/imran-siddique/agentos/internal/domain/action"
	"github.com/imran-siddique/agentos/internal/domain/policy"
)

// Template names accepted by `agentos init --template`.
const (
	TemplateStrict     = "strict"
	TemplatePermissive = "permissive"
	TemplateAudit      = "audit"
)

// Template returns a starter table set by name.
func Template(name string) (policy.Tables, error) {
	switch name {
	case TemplateStrict:
		return strictTemplate(), nil
	case TemplatePermissive:
		return permissiveTemplate(), nil
	case TemplateAudit:
		return auditTemplate(), nil
	}
	return policy.Tables{}, fmt.Errorf("unknown template %q (want strict, permissive, or audit)", name)
}

// strictTemplate default-denies: agents get an empty allow-list until
// an operator grants tools, and risky actions require approval.
func strictTemplate() policy.Tables {
	return policy.Tables{
		Version: "1.0",
		AllowList: map[string][]string{
			"default": {},
		},
		Quotas: map[string]policy.ResourceQuota{
			"default": {
				MaxRequestsPerMinute:    30,
				MaxRequestsPerHour:      500,
				MaxConcurrentExecutions: 2,
			},
		},
		RiskPolicies: map[string]policy.RiskPolicy{
			"default": {
				MaxRiskScore:         1.0,
				RequireApprovalAbove: 0.4,
				DenyAbove:            0.7,
				HighRiskPatterns: []string{
					`(?i)password`,
					`(?i)api[_-]?key`,
					`(?i)secret`,
					`(?i)credential`,
				},
			},
		},
		Rules: []policy.Rule{
			{
				RuleID:      "strict.no_workflow_triggers",
				Name:        "workflow triggers need approval",
				Description: "Downstream workflows are irreversible; a human signs off.",
				AppliesTo:   []action.ActionType{action.ActionWorkflowTrigger},
				Predicate:   policy.Condition{AttributePath: "agent.role", Operator: policy.OpNe, Value: "operator"},
				Effect:      action.EffectRequireApproval,
				Priority:    100,
			},
		},
	}
}

// permissiveTemplate allows most activity but keeps risk ceilings and
// a modest quota.
func permissiveTemplate() policy.Tables {
	return policy.Tables{
		Version: "1.0",
		Quotas: map[string]policy.ResourceQuota{
			"default": {
				MaxRequestsPerMinute: 120,
				MaxRequestsPerHour:   3000,
			},
		},
		RiskPolicies: map[string]policy.RiskPolicy{
			"default": {
				MaxRiskScore: 1.0,
				DenyAbove:    0.9,
				HighRiskPatterns: []string{
					`(?i)password`,
					`(?i)private[_-]?key`,
				},
			},
		},
	}
}

// auditTemplate observes without blocking: everything is allowed and
// logged at elevated detail.
func auditTemplate() policy.Tables {
	return policy.Tables{
		Version: "1.0",
		Rules: []policy.Rule{
			{
				RuleID:      "audit.log_everything",
				Name:        "log all actions",
				Description: "Observation mode: record every action at full detail.",
				Predicate:   policy.Condition{AttributePath: "agent.id", Operator: policy.OpNe, Value: ""},
				Effect:      action.EffectLog,
				Priority:    1,
			},
		},
	}
}
