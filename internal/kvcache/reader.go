package kvcache

import (
	"github.com/samcharles93/kvpage/internal/check"
	"github.com/samcharles93/kvpage/internal/stream"
)

// TransposeArgs describes one layer's read of a batch.
type TransposeArgs struct {
	Table     BlockTable
	KeyLength []int
	// MaxKVLen is the output's token dimension for this step; MaxSeqLen is
	// the cache's logical capacity per sequence.
	MaxKVLen  int
	MaxSeqLen int
	Groups    HeadGroups
	// KOut and VOut are (batch, Groups.QueryHeads(), MaxKVLen, HeadDim).
	KOut, VOut []float32
}

// TransposeKVCache gathers each row's first KeyLength[b] tokens from its
// blocks into a contiguous view, replicating stored heads across their query
// heads and dequantizing when needed. Positions at or past KeyLength[b] are
// left untouched and must be masked. The cache is only read.
func TransposeKVCache(s *stream.Stream, c *Cache, layer int, a TransposeArgs, deps ...*stream.Step) *stream.Step {
	l := c.cfg.Layout
	p := c.cfg.Layer(layer)
	batch := a.Table.Rows()
	qHeads, dim := a.Groups.QueryHeads(), l.HeadDim

	check.That(a.Groups.KVHeads() == l.KVHeads, "head groups cover %d kv heads, layout has %d", a.Groups.KVHeads(), l.KVHeads)
	check.Len("KeyLength", a.KeyLength, batch)
	check.Len("KOut", a.KOut, batch*qHeads*a.MaxKVLen*dim)
	check.Len("VOut", a.VOut, batch*qHeads*a.MaxKVLen*dim)
	if check.Enabled {
		for b := range batch {
			k := a.KeyLength[b]
			check.That(k >= 0 && k <= a.MaxKVLen, "row %d: key length %d outside [0, %d]", b, k, a.MaxKVLen)
			check.That(a.MaxSeqLen <= 0 || k <= a.MaxSeqLen, "row %d: key length %d exceeds capacity %d", b, k, a.MaxSeqLen)
			have := len(a.Table.Row(b)) * l.BlockLen
			check.That(k <= have, "row %d: key length %d exceeds %d allocated slots", b, k, have)
		}
	}

	vecBytes := l.VecBytes()
	headBytes := l.HeadBytes()
	valueOff := l.ValueOffset()
	dec := c.codec.decode
	var kScale, vScale []float32
	if l.Quant != QuantNone {
		kScale, vScale = p.KScale, p.VScale
	}

	n := batch * qHeads * a.MaxKVLen
	return s.Launch("transpose_kv_cache", n, func(i int) {
		t := i % a.MaxKVLen
		h := (i / a.MaxKVLen) % qHeads
		b := i / (a.MaxKVLen * qHeads)
		if t >= a.KeyLength[b] {
			return
		}
		kv := a.Groups.Source(h)
		blk := c.block(a.Table.Row(b)[t/l.BlockLen])
		off := p.Offset + kv*headBytes + (t%l.BlockLen)*vecBytes
		dst := ((b*qHeads+h)*a.MaxKVLen + t) * dim

		var ks, vs float32
		if kScale != nil {
			ks, vs = kScale[kv], vScale[kv]
		}
		dec(a.KOut[dst:dst+dim], blk[off:off+vecBytes], ks)
		dec(a.VOut[dst:dst+dim], blk[valueOff+off:valueOff+off+vecBytes], vs)
	}, deps...)
}
