package challenge

import (
	"fmt"
	"regexp"
	"strings"
)

type FlagType string

const (
	FlagTypeStatic FlagType = "static"
	FlagTypeRegex  FlagType = "regex"
)

// Expected flag value plus matching mode. A flag is either a static value
// or bound to an environment variable resolved at deploy time.
type Flag struct {
	Value         string `json:"value,omitempty"`
	Env           string `json:"env,omitempty"`
	Regex         bool   `json:"regex"`
	CaseSensitive bool   `json:"case_sensitive"`
}

func (f *Flag) Type() FlagType {
	if f.Regex {
		return FlagTypeRegex
	}
	return FlagTypeStatic
}

// Resolve returns the expected flag value, looking up env-bound flags in
// the instance environment. Resolved values must be non-empty.
func (f *Flag) Resolve(env map[string]string) (string, error) {
	value := f.Value
	if f.Env != "" {
		value = env[f.Env]
	}
	if value == "" {
		return "", fmt.Errorf("flag resolved to an empty value (env %q)", f.Env)
	}
	return value, nil
}

// Matches checks a reported flag against the expected value using the
// declared matching mode.
func (f *Flag) Matches(expected, reported string) (bool, error) {
	if f.Regex {
		pattern := expected
		if !f.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid flag pattern %q: %w", expected, err)
		}
		return re.MatchString(reported), nil
	}

	if f.CaseSensitive {
		return expected == reported, nil
	}
	return strings.EqualFold(expected, reported), nil
}
