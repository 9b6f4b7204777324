// Package kvcache implements the paged key/value cache: the write path that
// scatters new keys and values into each sequence's blocks and the read path
// that gathers them back into a contiguous per-row view for attention.
//
// A block holds BlockLen tokens for every layer and every KV head of one
// sequence. Keys come first, then values; inside each half the layout is
// [layer][head][slot][dim].
package kvcache

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("kvcache: invalid config")

// DType is the native element type of a cache without quantization.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType maps a config string to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32", "float32", "":
		return DTypeF32, nil
	case "f16", "float16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	default:
		return 0, fmt.Errorf("%w: unknown dtype %q", ErrInvalidConfig, s)
	}
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	if d == DTypeF32 {
		return 4
	}
	return 2
}

// QuantPolicy selects the storage packing. Zero keeps the native dtype.
type QuantPolicy int

const (
	QuantNone QuantPolicy = 0
	// QuantInt8 stores symmetric int8 with one scale per (layer, head).
	QuantInt8 QuantPolicy = 4
)

// Layout is the geometry of one cache block.
type Layout struct {
	Layers   int         `yaml:"layers" json:"layers"`
	KVHeads  int         `yaml:"kv_heads" json:"kv_heads"`
	HeadDim  int         `yaml:"head_dim" json:"head_dim"`
	BlockLen int         `yaml:"block_len" json:"block_len"`
	DType    DType       `yaml:"-" json:"dtype"`
	Quant    QuantPolicy `yaml:"quant_policy" json:"quant_policy"`
}

// ElemBytes is the stored width of one element.
func (l Layout) ElemBytes() int {
	if l.Quant != QuantNone {
		return 1
	}
	return l.DType.Size()
}

// VecBytes is the stored width of one head vector.
func (l Layout) VecBytes() int {
	return l.HeadDim * l.ElemBytes()
}

// HeadBytes is one head's slab inside a layer of a block.
func (l Layout) HeadBytes() int {
	return l.BlockLen * l.VecBytes()
}

// LayerBytes is one layer's share of the key (or value) half of a block.
func (l Layout) LayerBytes() int {
	return l.KVHeads * l.HeadBytes()
}

// ValueOffset is where the value half of a block starts.
func (l Layout) ValueOffset() int {
	return l.Layers * l.LayerBytes()
}

// BlockBytes is the full size of a block.
func (l Layout) BlockBytes() int {
	return 2 * l.ValueOffset()
}

// Blocks returns how many blocks hold tokens tokens.
func (l Layout) Blocks(tokens int) int {
	return (tokens + l.BlockLen - 1) / l.BlockLen
}

// Validate checks the geometry and policy.
func (l Layout) Validate() error {
	switch {
	case l.Layers <= 0:
		return fmt.Errorf("%w: layers must be positive, got %d", ErrInvalidConfig, l.Layers)
	case l.KVHeads <= 0:
		return fmt.Errorf("%w: kv_heads must be positive, got %d", ErrInvalidConfig, l.KVHeads)
	case l.HeadDim <= 0:
		return fmt.Errorf("%w: head_dim must be positive, got %d", ErrInvalidConfig, l.HeadDim)
	case l.BlockLen <= 0:
		return fmt.Errorf("%w: block_len must be positive, got %d", ErrInvalidConfig, l.BlockLen)
	}
	if l.DType < DTypeF32 || l.DType > DTypeBF16 {
		return fmt.Errorf("%w: unsupported dtype %s", ErrInvalidConfig, l.DType)
	}
	if l.Quant != QuantNone && l.Quant != QuantInt8 {
		return fmt.Errorf("%w: unsupported quant_policy %d", ErrInvalidConfig, l.Quant)
	}
	return nil
}

// Scales are the caller-supplied quantization factors, indexed [layer][head].
type Scales struct {
	K [][]float32 `yaml:"k" json:"k"`
	V [][]float32 `yaml:"v" json:"v"`
}

// UniformScales fills every (layer, head) with the same key and value scale.
func UniformScales(layers, heads int, k, v float32) *Scales {
	s := &Scales{K: make([][]float32, layers), V: make([][]float32, layers)}
	for l := range layers {
		s.K[l] = make([]float32, heads)
		s.V[l] = make([]float32, heads)
		for h := range heads {
			s.K[l][h], s.V[l][h] = k, v
		}
	}
	return s
}

// LayerParams is everything a kernel needs about one layer, resolved once.
type LayerParams struct {
	Index int
	// Offset selects the layer inside a block's key half; the value half adds
	// Layout.ValueOffset.
	Offset int
	KScale []float32
	VScale []float32
}

// Config is a validated layout plus its per-layer parameters.
type Config struct {
	Layout Layout
	layers []LayerParams
}

// NewConfig validates l and resolves the per-layer parameters. scales are
// required when l.Quant is non-zero and ignored otherwise.
func NewConfig(l Layout, scales *Scales) (*Config, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if l.Quant != QuantNone {
		if err := validateScales(l, scales); err != nil {
			return nil, err
		}
	}
	c := &Config{Layout: l, layers: make([]LayerParams, l.Layers)}
	for i := range c.layers {
		p := LayerParams{Index: i, Offset: i * l.LayerBytes()}
		if l.Quant != QuantNone {
			p.KScale = scales.K[i]
			p.VScale = scales.V[i]
		}
		c.layers[i] = p
	}
	return c, nil
}

// Layer returns the parameters of layer i.
func (c *Config) Layer(i int) LayerParams {
	return c.layers[i]
}

func validateScales(l Layout, s *Scales) error {
	if s == nil {
		return fmt.Errorf("%w: quant_policy %d requires kv scales", ErrInvalidConfig, l.Quant)
	}
	for name, table := range map[string][][]float32{"k": s.K, "v": s.V} {
		if len(table) != l.Layers {
			return fmt.Errorf("%w: %s scales cover %d layers, want %d", ErrInvalidConfig, name, len(table), l.Layers)
		}
		for li, row := range table {
			if len(row) != l.KVHeads {
				return fmt.Errorf("%w: %s scales for layer %d cover %d heads, want %d", ErrInvalidConfig, name, li, len(row), l.KVHeads)
			}
			for h, v := range row {
				if !(v > 0) || math.IsInf(float64(v), 0) {
					return fmt.Errorf("%w: %s scale [%d][%d] = %v", ErrInvalidConfig, name, li, h, v)
				}
			}
		}
	}
	return nil
}
