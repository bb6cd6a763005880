// Package common provides shared utilities.
//
// Command templates use {name} placeholders that are expanded per job:
//
//	Input:  ["kraken2", "--db", "{database}", "{fastq}"]
//	Vars:   {"database": "standard", "fastq": "/data/miseq.fastq"}
//	Output: ["kraken2", "--db", "standard", "/data/miseq.fastq"]
//
// Expansion is case-sensitive. Unknown placeholders are left in place and logged.
package common

import (
	"regexp"

	"github.com/ternarybob/arbor"
)

// placeholderPattern matches {name} placeholders
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_-]+)\}`)

// ExpandTemplate replaces every {name} in input with vars[name]
func ExpandTemplate(input string, vars map[string]string, logger arbor.ILogger) string {
	if input == "" {
		return input
	}

	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := vars[name]; ok {
			return value
		}
		if logger != nil {
			logger.Warn().
				Str("placeholder", match).
				Msg("Unresolved placeholder in command template")
		}
		return match
	})
}

// ExpandArgs expands each argument of a command template
func ExpandArgs(args []string, vars map[string]string, logger arbor.ILogger) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = ExpandTemplate(arg, vars, logger)
	}
	return out
}

// Placeholders lists the distinct placeholder names used by args
func Placeholders(args []string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, arg := range args {
		for _, m := range placeholderPattern.FindAllStringSubmatch(arg, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	return names
}
