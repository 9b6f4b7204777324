package sim

import (
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/samcharles93/kvpage/internal/arena"
)

// Status is a request's position in its lifecycle.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusRejected Status = "rejected"
)

// Request is one simulated sequence. Output is the caller-owned buffer the
// decode loop scatters into; its length is the request's capacity.
type Request struct {
	ID     string
	Prompt []int32
	GenLen int
	Output []int32

	seed      uint64
	rank      int
	status    Status
	length    int
	truncated bool
	reason    string
	blocks    []arena.Handle
}

// RequestInfo is a read-only snapshot of a request.
type RequestInfo struct {
	ID        string  `json:"id"`
	Rank      int     `json:"rank"`
	Status    Status  `json:"status"`
	PromptLen int     `json:"prompt_len"`
	GenLen    int     `json:"gen_len"`
	Capacity  int     `json:"capacity"`
	Length    int     `json:"length"`
	Truncated bool    `json:"truncated"`
	Reason    string  `json:"reason,omitempty"`
	Output    []int32 `json:"output,omitempty"`
}

// NewRequest builds a request with a fresh id. capacity sizes Output.
func NewRequest(prompt []int32, gen, capacity int, seed uint64) *Request {
	return &Request{
		ID:     uuid.NewString(),
		Prompt: prompt,
		GenLen: gen,
		Output: make([]int32, capacity),
		seed:   seed,
		status: StatusQueued,
	}
}

// Generate draws n synthetic requests from opts. Every request fits in
// maxSession tokens.
func Generate(opts Options, n, maxSession int, rng *rand.Rand) []*Request {
	reqs := make([]*Request, n)
	for i := range reqs {
		plen := between(rng, opts.PromptMin, opts.PromptMax)
		plen = min(plen, maxSession-1)
		gen := between(rng, opts.GenMin, opts.GenMax)
		gen = max(1, min(gen, maxSession-plen))

		prompt := make([]int32, plen)
		for j := range prompt {
			prompt[j] = int32(rng.IntN(vocab))
		}
		capacity := maxSession
		if opts.OutputCap > 0 {
			capacity = opts.OutputCap
		}
		reqs[i] = NewRequest(prompt, gen, capacity, rng.Uint64())
	}
	return reqs
}

func between(rng *rand.Rand, lo, hi int) int {
	lo = max(lo, 1)
	if hi <= lo {
		return lo
	}
	return lo + rng.IntN(hi-lo+1)
}
