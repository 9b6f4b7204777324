package sim

import "math"

// vocab bounds the synthetic token ids.
const vocab = 32000

// featureLayer keys the synthetic hidden states apart from any cache layer.
const featureLayer = -1

func splitmix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// kvValue is the synthetic projection of token pos of a request: a value in
// [-1, 1) with 24 significant bits, so float32 holds it exactly.
func kvValue(seed uint64, layer, pos, head, dim int, value bool) float32 {
	x := seed
	x = splitmix(x ^ uint64(int64(layer)))
	x = splitmix(x ^ uint64(pos))
	x = splitmix(x ^ uint64(head)<<32 ^ uint64(dim))
	if value {
		x = splitmix(x)
	}
	return float32(int64(x>>40)-(1<<23)) / (1 << 23)
}

// nextToken is the synthetic sampler: the token at pos follows prev.
func nextToken(prev int32, pos int) int32 {
	return int32((uint64(uint32(prev))*1103515245 + uint64(pos)*12345 + 1) % vocab)
}

// expectedTokens replays the sampler after prompt.
func expectedTokens(prompt []int32, gen int) []int32 {
	out := make([]int32, 0, len(prompt)+gen)
	out = append(out, prompt...)
	for i := range gen {
		pos := len(prompt) + i
		out = append(out, nextToken(out[pos-1], pos))
	}
	return out
}

func near(got, want float32, tol float64) bool {
	if tol == 0 {
		return math.Float32bits(got) == math.Float32bits(want)
	}
	return math.Abs(float64(got-want)) <= tol
}
