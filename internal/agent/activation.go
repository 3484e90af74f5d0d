// Package agent implements the in-process runtime: activation, extension
// registration in dependency order, the command endpoint, discovery, and
// teardown. The process holds a single agent for its whole lifetime;
// re-injection updates options instead of reloading.
package agent

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ActivationMode controls whether the agent comes up in a process.
type ActivationMode int

const (
	// ActivationOff disables the agent.
	ActivationOff ActivationMode = iota
	// ActivationFollowed activates in this process only.
	ActivationFollowed
	// ActivationNested activates in this process and its descendants.
	ActivationNested
	// ActivationScript activates when the script name matches a literal.
	ActivationScript
	// ActivationRegex activates when the script name matches a pattern.
	ActivationRegex
)

// Activation is the parsed PROBING environment value.
type Activation struct {
	Mode    ActivationMode
	Literal string
	Pattern *regexp.Regexp
}

// ParseActivation interprets the PROBING variable: off | followed |
// nested | <script>.py | regex:<pattern>.
func ParseActivation(value string) (Activation, error) {
	switch value {
	case "", "off", "0", "false":
		return Activation{Mode: ActivationOff}, nil
	case "followed", "1", "true":
		return Activation{Mode: ActivationFollowed}, nil
	case "nested", "2":
		return Activation{Mode: ActivationNested}, nil
	}
	if pat, ok := strings.CutPrefix(value, "regex:"); ok {
		re, err := regexp.Compile(pat)
		if err != nil {
			return Activation{}, fmt.Errorf("invalid PROBING regex %q: %w", pat, err)
		}
		return Activation{Mode: ActivationRegex, Pattern: re}, nil
	}
	return Activation{Mode: ActivationScript, Literal: value}, nil
}

// Matches reports whether the agent should activate for the given script
// name.
func (a Activation) Matches(scriptName string) bool {
	switch a.Mode {
	case ActivationOff:
		return false
	case ActivationFollowed, ActivationNested:
		return true
	case ActivationScript:
		return a.Literal == scriptName || a.Literal == filepath.Base(scriptName)
	case ActivationRegex:
		return a.Pattern.MatchString(scriptName)
	}
	return false
}

// Inherited reports whether descendants keep the activation. Only the
// nested mode propagates; otherwise the library entry point removes
// PROBING from the process environment once it activates, so children
// start without it.
func (a Activation) Inherited() bool { return a.Mode == ActivationNested }
