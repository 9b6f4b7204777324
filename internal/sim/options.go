package sim

import "github.com/samcharles93/kvpage/internal/batch"

// Options shape the synthetic workload.
type Options struct {
	Requests  int
	PromptMin int
	PromptMax int
	GenMin    int
	GenMax    int
	// OutputCap is the capacity of each request's output buffer; zero
	// means the session length.
	OutputCap int
	Padding   batch.Padding
	// VerifyEvery re-checks every cached position on every Nth decode
	// step; other steps check only the newest position. Negative disables
	// read-back verification.
	VerifyEvery int
	Seed        uint64
	// Retain is how many finished requests stay queryable; zero means
	// defaultRetain.
	Retain int
}

const defaultRetain = 1024

// DefaultOptions is a mixed workload of short and long prompts.
func DefaultOptions() Options {
	return Options{
		Requests:    32,
		PromptMin:   1,
		PromptMax:   48,
		GenMin:      1,
		GenMax:      32,
		VerifyEvery: 8,
		Seed:        1,
		Retain:      defaultRetain,
	}
}
