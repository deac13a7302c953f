// Package relevance filters freshly sourced candidates against a
// declarative table of known-mismatched (industry prefix, occupation code)
// combinations. The table encodes false positives observed from the
// matching API; discarding them here keeps junk offers out of the store.
package relevance

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cap-immersion/sourcing-cli/internal/model"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rule excludes candidates whose industry code starts with NAFPrefix and
// whose match was for OccupationCode.
type Rule struct {
	NAFPrefix      string `yaml:"naf_prefix"`
	OccupationCode string `yaml:"rome"`
}

type ruleFile struct {
	Exclusions []Rule `yaml:"exclusions"`
}

// DefaultRules returns the built-in exclusion table.
func DefaultRules() []Rule {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		// The embedded table is validated by tests; reaching this means a
		// broken build.
		panic(err)
	}
	return rules
}

// ParseRules loads an exclusion table from YAML.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "relevance: parse rules")
	}
	return f.Exclusions, nil
}

// Filter applies an exclusion rule table to sourced candidates.
type Filter struct {
	rules []Rule
}

// NewFilter creates a Filter over the given rules.
func NewFilter(rules []Rule) *Filter {
	return &Filter{rules: rules}
}

// IsRelevant reports whether the candidate passes the exclusion table.
func (f *Filter) IsRelevant(c model.CandidateEstablishment) bool {
	for _, rule := range f.rules {
		if !strings.HasPrefix(c.IndustryCode, rule.NAFPrefix) {
			continue
		}
		for _, code := range c.OccupationCodes {
			if code == rule.OccupationCode {
				return false
			}
		}
	}
	return true
}

// Apply returns the relevant candidates, logging each discard with the
// candidate for audit. Discarding is not an error.
func (f *Filter) Apply(candidates []model.CandidateEstablishment) []model.CandidateEstablishment {
	kept := make([]model.CandidateEstablishment, 0, len(candidates))
	for _, c := range candidates {
		if f.IsRelevant(c) {
			kept = append(kept, c)
			continue
		}
		zap.L().Info("discarding mismatched candidate",
			zap.String("siret", c.Siret),
			zap.String("name", c.Name),
			zap.String("industry_code", c.IndustryCode),
			zap.Strings("occupation_codes", c.OccupationCodes),
		)
	}
	return kept
}
