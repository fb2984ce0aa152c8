package classify

// DefaultRules returns the built-in classification rule table.
//
// Order matters: test patterns before build patterns before network patterns
// before the quick allow-list. Conservative first: anything that looks like a
// long-running invocation is backgrounded even when it also resembles a quick
// command.
func DefaultRules() []Rule {
	return []Rule{
		{
			Category: "test",
			Patterns: []string{"test", "junit", "pytest", "jest", "mocha", "rspec"},
			Strategy: StrategyBackground,
		},
		{
			Category: "build",
			Patterns: []string{"build", "compile", "make", "gradle", "maven", "npm run build"},
			Strategy: StrategyBackground,
		},
		{
			Category: "network",
			Patterns: []string{"install", "download", "sync", "clone", "pull", "push", "fetch"},
			Strategy: StrategyImmediate,
		},
		{
			Category: "quick",
			Mode:     MatchPrefix,
			Patterns: []string{
				"git status", "git log", "git diff", "git branch",
				"ls", "pwd", "echo", "cat", "head", "tail",
				"which", "whoami", "date", "env", "wc",
			},
			Strategy: StrategyQuick,
		},
	}
}
