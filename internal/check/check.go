// Package check holds the precondition assertions used at kernel launch.
//
// Assertions are compiled in by default. Building with the kvfast tag turns
// them into no-ops, leaving contract violations undefined.
package check

import "fmt"

// That panics with a formatted message when cond is false and assertions
// are enabled.
func That(cond bool, format string, args ...any) {
	if Enabled && !cond {
		panic(fmt.Sprintf("precondition violated: "+format, args...))
	}
}

// Len asserts that a buffer holds at least n elements.
func Len[T any](name string, s []T, n int) {
	if Enabled && len(s) < n {
		panic(fmt.Sprintf("precondition violated: %s has %d elements, need %d", name, len(s), n))
	}
}
