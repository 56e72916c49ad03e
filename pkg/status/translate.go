package status

import (
	"strconv"
	"strings"
)

const gitPrefix = "ess/git/"

// Translate maps a datapoint name and raw value onto the canonical
// (source, type, value) triple. The mapping is total: every name
// yields a defined result.
//
//	@keys            -> (system, @keys)
//	ess/git/<x>      -> (git, <x>)
//	ess/obs_active   -> (ess, in_obs), value coerced to integer
//	ess/in_obs       -> (ess, in_obs), value coerced to integer
//	<a>/<rest>       -> (<a>, <rest>)
//	<bare>           -> (system, <bare>)
//
// A name with an empty leading segment ("/x") is treated as bare.
func Translate(name, raw string) (source, typ, value string) {
	switch {
	case name == "@keys":
		return "system", "@keys", raw
	case strings.HasPrefix(name, gitPrefix):
		return "git", name[len(gitPrefix):], raw
	case name == "ess/obs_active" || name == "ess/in_obs":
		return "ess", "in_obs", intOrZero(raw)
	case strings.Contains(name, "/"):
		parts := strings.SplitN(name, "/", 2)
		if parts[0] == "" {
			return "system", name, raw
		}
		return parts[0], parts[1], raw
	default:
		return "system", name, raw
	}
}

// NormalizeValue rewrites numeric strings in canonical decimal form
// ("3.30" -> "3.3", "007" -> "7"). Non-numeric values pass through.
func NormalizeValue(s string) string {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// intOrZero coerces observation flags to a whole number, defaulting
// to "0" for anything unparsable.
func intOrZero(s string) string {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return strconv.Itoa(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.Itoa(int(f))
	}
	return "0"
}
