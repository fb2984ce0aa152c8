package classify

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// rulesDocument is the on-disk shape of a rules file.
type rulesDocument struct {
	Rules []ruleYAML `yaml:"rules"`
}

// ruleYAML mirrors Rule but accepts timeouts as duration strings ("30s").
type ruleYAML struct {
	Category string    `yaml:"category"`
	Patterns []string  `yaml:"patterns"`
	Mode     MatchMode `yaml:"mode"`
	CwdGlob  string    `yaml:"cwd_glob"`
	Strategy Strategy  `yaml:"strategy"`
	Timeout  string    `yaml:"timeout"`
}

// LoadRules reads an ordered rule list from a YAML file.
//
// The file holds a top-level "rules" sequence. Loaded rules are prepended to
// nothing: callers decide whether they replace or extend DefaultRules().
//
// Example:
//
//	rules:
//	  - category: migrations
//	    patterns: ["rails db:migrate"]
//	    strategy: background
//	    timeout: 600s
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("rules file not found: %s", path)
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses a YAML rules document from raw bytes.
func ParseRules(data []byte) ([]Rule, error) {
	if len(data) == 0 {
		return nil, errors.New("rules file is empty")
	}

	var doc rulesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for _, ry := range doc.Rules {
		r := Rule{
			Category: ry.Category,
			Patterns: ry.Patterns,
			Mode:     ry.Mode,
			CwdGlob:  ry.CwdGlob,
			Strategy: ry.Strategy,
		}
		if ry.Timeout != "" {
			d, err := time.ParseDuration(ry.Timeout)
			if err != nil {
				return nil, &RuleError{Category: ry.Category, Err: fmt.Errorf("invalid timeout %q: %w", ry.Timeout, err)}
			}
			r.Timeout = d
		}
		rules = append(rules, r)
	}
	return rules, nil
}
