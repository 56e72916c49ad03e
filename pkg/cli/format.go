// Package cli provides shared terminal formatting for the hbgate
// command line tools.
package cli

import (
	"fmt"
	"os"
)

// colorEnabled is false when NO_COLOR env var is set (per no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == ""

// Green wraps s in ANSI green. Returns s unchanged when NO_COLOR is set.
func Green(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[32m" + s + "\033[0m"
}

// Yellow wraps s in ANSI yellow. Returns s unchanged when NO_COLOR is set.
func Yellow(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[33m" + s + "\033[0m"
}

// Red wraps s in ANSI red. Returns s unchanged when NO_COLOR is set.
func Red(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[31m" + s + "\033[0m"
}

// Bold wraps s in ANSI bold. Returns s unchanged when NO_COLOR is set.
func Bold(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}

// Percent renders a 0..1 fraction as a whole percentage, e.g. 0.857 → "86%".
func Percent(rate float64) string {
	return fmt.Sprintf("%.0f%%", rate*100)
}

// ReachabilityColor colors a success-rate string by how healthy it is:
// green at or above 99%, yellow at or above 80%, red below.
func ReachabilityColor(rate float64, s string) string {
	switch {
	case rate >= 0.99:
		return Green(s)
	case rate >= 0.8:
		return Yellow(s)
	default:
		return Red(s)
	}
}
