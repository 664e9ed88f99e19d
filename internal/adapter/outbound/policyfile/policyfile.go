// Package policyfile loads and persists the policy tables as YAML.
// Decoding is strict: an unknown key anywhere in the document is a
// load error, not a silent drop.
package policyfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/imran-siddique/agentos/internal/domain/action"
	"github.com/imran-siddique/agentos/internal/domain/policy"
)

// ActiveFileName is the policy file the kernel watches.
const ActiveFileName = "active.yaml"

// Load reads and validates a policy tables file.
func Load(path string) (policy.Tables, error) {
	f, err := os.Open(path)
	if err != nil {
		return policy.Tables{}, fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()
	return Decode(f, path)
}

// Decode parses one tables document from r. name is used in errors.
func Decode(r io.Reader, name string) (policy.Tables, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var tables policy.Tables
	if err := dec.Decode(&tables); err != nil {
		if errors.Is(err, io.EOF) {
			return policy.Tables{}, fmt.Errorf("policy file %s is empty", name)
		}
		return policy.Tables{}, fmt.Errorf("parse %s: %w", name, err)
	}
	if err := Validate(tables); err != nil {
		return policy.Tables{}, fmt.Errorf("validate %s: %w", name, err)
	}
	return tables, nil
}

// Validate applies the structural checks that do not need a compile
// step: known effects and operators, risk thresholds in range.
func Validate(tables policy.Tables) error {
	seen := make(map[string]bool, len(tables.Rules))
	for _, r := range tables.Rules {
		if r.RuleID == "" {
			return fmt.Errorf("rule %q: missing rule_id", r.Name)
		}
		if seen[r.RuleID] {
			return fmt.Errorf("duplicate rule_id %q", r.RuleID)
		}
		seen[r.RuleID] = true
		if !validEffect(r.Effect) {
			return fmt.Errorf("rule %q: unknown effect %q", r.RuleID, r.Effect)
		}
		for _, t := range r.AppliesTo {
			if !t.Valid() {
				return fmt.Errorf("rule %q: unknown action type %q", r.RuleID, t)
			}
		}
		if err := validateCondition(r.Predicate, "rules."+r.RuleID); err != nil {
			return err
		}
	}
	for role, perms := range tables.ConditionalPermissions {
		for _, p := range perms {
			if p.ToolName == "" {
				return fmt.Errorf("conditional_permissions.%s: missing tool_name", role)
			}
			for _, c := range p.Conditions {
				if err := validateCondition(c, "conditional_permissions."+role+"."+p.ToolName); err != nil {
					return err
				}
			}
		}
	}
	for name, rp := range tables.RiskPolicies {
		for label, v := range map[string]float64{
			"max_risk_score":         rp.MaxRiskScore,
			"require_approval_above": rp.RequireApprovalAbove,
			"deny_above":             rp.DenyAbove,
		} {
			if v < 0 || v > 1 {
				return fmt.Errorf("risk_policies.%s.%s: %v out of [0,1]", name, label, v)
			}
		}
	}
	for role, q := range tables.Quotas {
		for _, t := range q.AllowedActionTypes {
			if !t.Valid() {
				return fmt.Errorf("quotas.%s: unknown action type %q", role, t)
			}
		}
	}
	return nil
}

func validateCondition(c policy.Condition, where string) error {
	combinators := 0
	if len(c.All) > 0 {
		combinators++
		for _, child := range c.All {
			if err := validateCondition(child, where); err != nil {
				return err
			}
		}
	}
	if len(c.Any) > 0 {
		combinators++
		for _, child := range c.Any {
			if err := validateCondition(child, where); err != nil {
				return err
			}
		}
	}
	if c.Not != nil {
		combinators++
		if err := validateCondition(*c.Not, where); err != nil {
			return err
		}
	}
	if combinators > 1 {
		return fmt.Errorf("%s: condition mixes combinators", where)
	}
	if combinators == 1 {
		if c.AttributePath != "" || c.Operator != "" {
			return fmt.Errorf("%s: condition mixes leaf fields with a combinator", where)
		}
		return nil
	}
	if c.AttributePath == "" {
		return fmt.Errorf("%s: condition has neither attribute_path nor a combinator", where)
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("%s: unknown operator %q on %q", where, c.Operator, c.AttributePath)
	}
	return nil
}

func validEffect(e action.Effect) bool {
	switch e {
	case action.EffectAllow, action.EffectDeny, action.EffectWarn,
		action.EffectRequireApproval, action.EffectLog:
		return true
	}
	return false
}

// Save writes the tables atomically: temp file, fsync, rename.
func Save(path string, tables policy.Tables) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(tables); err != nil {
		return fmt.Errorf("encode policy tables: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".policy-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
