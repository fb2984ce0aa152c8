package classify

import (
	"errors"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Strategy is the execution mode selected for a command.
type Strategy string

const (
	// StrategyQuick runs synchronously under the short timeout with a small
	// inline output cap.
	StrategyQuick Strategy = "quick"

	// StrategyBackground starts asynchronously and returns a job id
	// immediately; the caller polls for status.
	StrategyBackground Strategy = "background"

	// StrategyImmediate runs synchronously but under the long timeout. Used
	// for quick-looking commands that are occasionally slow (network fetches).
	StrategyImmediate Strategy = "immediate"

	// StrategyProgressive runs asynchronously while streaming incremental
	// output to the caller until completion or the long timeout.
	StrategyProgressive Strategy = "progressive"
)

// MatchMode controls how a rule's patterns are applied to the command text.
type MatchMode string

const (
	// MatchContains matches a pattern anywhere in the lowercased command.
	MatchContains MatchMode = "contains"

	// MatchPrefix matches a pattern against the start of the trimmed,
	// lowercased command. Used for the quick allow-list so that e.g.
	// "ls" does not match "tools/lsmod.sh" mid-string.
	MatchPrefix MatchMode = "prefix"
)

// Rule is one declarative classification rule.
//
// Rules are evaluated in order; the first rule with a matching pattern wins.
// Pattern matching is case-insensitive. A rule with an empty Patterns slice
// matches every command (the default rule).
type Rule struct {
	// Category names the rule for reporting (e.g. "test", "build").
	Category string `yaml:"category" json:"category"`

	// Patterns are matched against the command per Mode. Empty means
	// match-all.
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`

	// Mode selects contains (default) or prefix matching.
	Mode MatchMode `yaml:"mode,omitempty" json:"mode,omitempty"`

	// CwdGlob optionally restricts the rule to working directories matching
	// a doublestar glob. Empty means the rule applies everywhere.
	CwdGlob string `yaml:"cwd_glob,omitempty" json:"cwd_glob,omitempty"`

	// Strategy is the execution strategy selected when the rule matches.
	Strategy Strategy `yaml:"strategy" json:"strategy"`

	// Timeout is the hard wall-clock budget for jobs matched by this rule.
	// Zero means "use the classifier default for the strategy".
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Config configures a Classifier.
type Config struct {
	// Rules are evaluated in order before the built-in default rule.
	// If empty, DefaultRules() is used.
	Rules []Rule

	// QuickTimeout is the budget applied to quick-classified commands
	// when a matching rule carries no explicit timeout. Default 8s.
	QuickTimeout time.Duration

	// LongTimeout is the budget for background/immediate/progressive
	// commands without an explicit rule timeout. Default 300s.
	LongTimeout time.Duration

	// ComplexWordThreshold is the word count above which an unmatched
	// command is treated as Background rather than Quick. Default 5.
	ComplexWordThreshold int
}

// Decision is the classification outcome for one command.
type Decision struct {
	Category string
	Strategy Strategy
	Timeout  time.Duration
}

// Errors returned by classifier construction.
var (
	// ErrInvalidStrategy is returned when a rule names an unknown strategy.
	ErrInvalidStrategy = errors.New("invalid strategy")

	// ErrInvalidCwdGlob is returned when a rule's cwd glob cannot be compiled.
	ErrInvalidCwdGlob = errors.New("invalid cwd glob pattern")
)

// RuleError wraps rule validation errors with the offending rule's category.
type RuleError struct {
	Category string
	Err      error
}

func (e *RuleError) Error() string {
	return "rule " + e.Category + ": " + e.Err.Error()
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

const (
	defaultQuickTimeout    = 8 * time.Second
	defaultLongTimeout     = 300 * time.Second
	defaultComplexWords    = 5
	defaultCategoryQuick   = "default-quick"
	defaultCategoryComplex = "default-complex"
)

// Classifier maps raw command text to an execution strategy and timeout
// budget via an ordered first-match-wins rule table.
//
// The Classifier is safe for concurrent use after creation.
type Classifier struct {
	rules        []compiledRule
	quickTimeout time.Duration
	longTimeout  time.Duration
	complexWords int
}

type compiledRule struct {
	rule     Rule
	patterns []string // lowercased
}

// New creates a Classifier from the given configuration.
//
// Returns an error if any rule names an unknown strategy or carries an
// invalid cwd glob. Rules are validated at construction so Classify never
// fails.
func New(cfg Config) (*Classifier, error) {
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		switch r.Strategy {
		case StrategyQuick, StrategyBackground, StrategyImmediate, StrategyProgressive:
		default:
			return nil, &RuleError{Category: r.Category, Err: ErrInvalidStrategy}
		}
		if r.CwdGlob != "" && !doublestar.ValidatePattern(r.CwdGlob) {
			return nil, &RuleError{Category: r.Category, Err: ErrInvalidCwdGlob}
		}
		if r.Mode == "" {
			r.Mode = MatchContains
		}
		lowered := make([]string, len(r.Patterns))
		for i, p := range r.Patterns {
			lowered[i] = strings.ToLower(strings.TrimSpace(p))
		}
		compiled = append(compiled, compiledRule{rule: r, patterns: lowered})
	}

	c := &Classifier{
		rules:        compiled,
		quickTimeout: cfg.QuickTimeout,
		longTimeout:  cfg.LongTimeout,
		complexWords: cfg.ComplexWordThreshold,
	}
	if c.quickTimeout <= 0 {
		c.quickTimeout = defaultQuickTimeout
	}
	if c.longTimeout <= 0 {
		c.longTimeout = defaultLongTimeout
	}
	if c.complexWords <= 0 {
		c.complexWords = defaultComplexWords
	}
	return c, nil
}

// Classify returns the strategy and timeout budget for a command.
//
// The first matching rule wins. Rule order is a policy choice: a command
// matching both a test pattern and a quick prefix is classified as a
// background job, because misclassifying as quick risks truncation mid-run
// while misclassifying as background only costs latency.
//
// Classification never fails: commands matching no rule fall through to the
// default, which sends long command lines to Background and everything else
// to Quick.
func (c *Classifier) Classify(command, cwd string) Decision {
	lowered := strings.ToLower(strings.TrimSpace(command))

	for _, cr := range c.rules {
		if cr.rule.CwdGlob != "" && !matchCwd(cr.rule.CwdGlob, cwd) {
			continue
		}
		if !cr.matches(lowered) {
			continue
		}
		timeout := cr.rule.Timeout
		if timeout <= 0 {
			timeout = c.defaultTimeout(cr.rule.Strategy)
		}
		return Decision{
			Category: cr.rule.Category,
			Strategy: cr.rule.Strategy,
			Timeout:  timeout,
		}
	}

	// Default rule: long unmatched command lines go to background, the rest
	// run quick under the short budget.
	if len(strings.Fields(lowered)) > c.complexWords {
		return Decision{
			Category: defaultCategoryComplex,
			Strategy: StrategyBackground,
			Timeout:  c.longTimeout,
		}
	}
	return Decision{
		Category: defaultCategoryQuick,
		Strategy: StrategyQuick,
		Timeout:  c.quickTimeout,
	}
}

// QuickTimeout returns the classifier's short budget.
func (c *Classifier) QuickTimeout() time.Duration {
	return c.quickTimeout
}

// LongTimeout returns the classifier's long budget.
func (c *Classifier) LongTimeout() time.Duration {
	return c.longTimeout
}

func (c *Classifier) defaultTimeout(s Strategy) time.Duration {
	if s == StrategyQuick {
		return c.quickTimeout
	}
	return c.longTimeout
}

func (cr *compiledRule) matches(lowered string) bool {
	if len(cr.patterns) == 0 {
		return true
	}
	for _, p := range cr.patterns {
		if p == "" {
			continue
		}
		switch cr.rule.Mode {
		case MatchPrefix:
			if lowered == p || strings.HasPrefix(lowered, p+" ") {
				return true
			}
		default:
			if strings.Contains(lowered, p) {
				return true
			}
		}
	}
	return false
}

func matchCwd(glob, cwd string) bool {
	if cwd == "" {
		return false
	}
	matched, err := doublestar.Match(glob, cwd)
	if err != nil {
		// Globs are validated at construction time, so this shouldn't happen
		return false
	}
	return matched
}
