package safety

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule blocks text containing any of Terms (case-insensitive) or matching any of Patterns.
type Rule struct {
	Name      string    `yaml:"name"`
	Terms     []string  `yaml:"terms"`
	Patterns  []string  `yaml:"patterns"`
	Direction Direction `yaml:"direction"`
	Message   string    `yaml:"message"`
}

type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	terms    []string
	patterns []*regexp.Regexp
}

// PatternFilter evaluates a fixed rule set in file order.
type PatternFilter struct {
	rules []compiledRule
}

// LoadPatternFilter reads a YAML rule file:
//
//	rules:
//	  - name: secrets
//	    terms: ["BEGIN RSA PRIVATE KEY"]
//	    patterns: ['(?i)aws_secret_access_key\s*=']
//	    direction: input
//	    message: Please do not paste credentials.
func LoadPatternFilter(path string) (*PatternFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read safety rules: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse safety rules %s: %w", path, err)
	}
	return NewPatternFilter(rs.Rules)
}

func NewPatternFilter(rules []Rule) (*PatternFilter, error) {
	pf := &PatternFilter{}
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		switch r.Direction {
		case "", Input, Output, "both":
		default:
			return nil, fmt.Errorf("rule %s: unknown direction %q", r.Name, r.Direction)
		}
		cr := compiledRule{Rule: r}
		for _, t := range r.Terms {
			if t = strings.TrimSpace(t); t != "" {
				cr.terms = append(cr.terms, strings.ToLower(t))
			}
		}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("rule %s: invalid pattern %q: %w", r.Name, p, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		pf.rules = append(pf.rules, cr)
	}
	return pf, nil
}

func (pf *PatternFilter) Check(_ context.Context, text string, dir Direction) (Verdict, error) {
	lowered := strings.ToLower(text)
	for _, r := range pf.rules {
		if r.Direction != "" && r.Direction != "both" && r.Direction != dir {
			continue
		}
		if r.matches(text, lowered) {
			return Verdict{Action: Block, Message: r.Message, Filter: "pattern:" + r.Name}, nil
		}
	}
	return Allowed(), nil
}

func (r compiledRule) matches(text, lowered string) bool {
	for _, t := range r.terms {
		if strings.Contains(lowered, t) {
			return true
		}
	}
	for _, re := range r.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
