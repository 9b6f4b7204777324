package kvcache

import (
	"github.com/samcharles93/kvpage/internal/check"
	"github.com/samcharles93/kvpage/internal/stream"
)

// ExtendArgs describes one layer's new keys and values for a batch.
type ExtendArgs struct {
	Table BlockTable
	// K and V are (batch, MaxQLen, KVHeads, HeadDim).
	K, V []float32
	// QueryLength[b] tokens of row b are new; they occupy positions
	// [ContextLength[b]-QueryLength[b], ContextLength[b]).
	QueryLength   []int
	ContextLength []int
	MaxQLen       int
}

// ExtendKVCache writes the new tokens of every row into its blocks for the
// given layer, quantizing when the layout asks for it. Blocks must already
// be allocated; nothing is allocated here. Work items are (row, token, head).
func ExtendKVCache(s *stream.Stream, c *Cache, layer int, a ExtendArgs, deps ...*stream.Step) *stream.Step {
	l := c.cfg.Layout
	p := c.cfg.Layer(layer)
	batch := a.Table.Rows()
	heads, dim := l.KVHeads, l.HeadDim

	check.Len("QueryLength", a.QueryLength, batch)
	check.Len("ContextLength", a.ContextLength, batch)
	check.Len("K", a.K, batch*a.MaxQLen*heads*dim)
	check.Len("V", a.V, batch*a.MaxQLen*heads*dim)
	if check.Enabled {
		for b := range batch {
			q, ctx := a.QueryLength[b], a.ContextLength[b]
			check.That(q >= 0 && q <= a.MaxQLen, "row %d: query length %d outside [0, %d]", b, q, a.MaxQLen)
			check.That(q <= ctx, "row %d: query length %d exceeds context length %d", b, q, ctx)
			have := len(a.Table.Row(b)) * l.BlockLen
			check.That(ctx <= have, "row %d: context length %d exceeds %d allocated slots", b, ctx, have)
		}
	}

	vecBytes := l.VecBytes()
	headBytes := l.HeadBytes()
	valueOff := l.ValueOffset()
	enc := c.codec.encode
	var kScale, vScale []float32
	if l.Quant != QuantNone {
		kScale, vScale = p.KScale, p.VScale
	}

	n := batch * a.MaxQLen * heads
	return s.Launch("extend_kv_cache", n, func(i int) {
		h := i % heads
		q := (i / heads) % a.MaxQLen
		b := i / (heads * a.MaxQLen)
		if q >= a.QueryLength[b] {
			return
		}
		t := a.ContextLength[b] - a.QueryLength[b] + q
		blk := c.block(a.Table.Row(b)[t/l.BlockLen])
		off := p.Offset + h*headBytes + (t%l.BlockLen)*vecBytes
		src := ((b*a.MaxQLen+q)*heads + h) * dim

		var ks, vs float32
		if kScale != nil {
			ks, vs = kScale[h], vScale[h]
		}
		enc(blk[off:off+vecBytes], a.K[src:src+dim], ks)
		enc(blk[valueOff+off:valueOff+off+vecBytes], a.V[src:src+dim], vs)
	}, deps...)
}
