//go:build !kvfast

package check

// Enabled reports whether assertions are compiled in.
const Enabled = true
