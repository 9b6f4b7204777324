package kvcache

import (
	"encoding/binary"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// codec converts one head vector between float32 and its stored form.
type codec struct {
	encode func(dst []byte, src []float32, scale float32)
	decode func(dst []float32, src []byte, scale float32)
}

func codecFor(l Layout) codec {
	if l.Quant == QuantInt8 {
		return codec{encode: encodeInt8, decode: decodeInt8}
	}
	switch l.DType {
	case DTypeF16:
		return codec{encode: encodeF16, decode: decodeF16}
	case DTypeBF16:
		return codec{encode: encodeBF16, decode: decodeBF16}
	default:
		return codec{encode: encodeF32, decode: decodeF32}
	}
}

func encodeF32(dst []byte, src []float32, _ float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
	}
}

func decodeF32(dst []float32, src []byte, _ float32) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
}

func encodeF16(dst []byte, src []float32, _ float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], float16.Fromfloat32(v).Bits())
	}
}

func decodeF16(dst []float32, src []byte, _ float32) {
	for i := range dst {
		dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
	}
}

// bf16 keeps the top half of the float32 bits, truncating.
func encodeBF16(dst []byte, src []float32, _ float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(bfloat16.FromFloat32(v)))
	}
}

func decodeBF16(dst []float32, src []byte, _ float32) {
	for i := range dst {
		dst[i] = bfloat16.ToFloat32(bfloat16.BF16(binary.LittleEndian.Uint16(src[2*i:])))
	}
}

// quantizeInt8 is symmetric round-to-nearest with saturation at ±127.
func quantizeInt8(v, scale float32) int8 {
	q := math.Round(float64(v / scale))
	switch {
	case q > 127:
		q = 127
	case q < -127:
		q = -127
	case math.IsNaN(q):
		q = 0
	}
	return int8(q)
}

func encodeInt8(dst []byte, src []float32, scale float32) {
	for i, v := range src {
		dst[i] = byte(quantizeInt8(v, scale))
	}
}

func decodeInt8(dst []float32, src []byte, scale float32) {
	for i := range dst {
		dst[i] = float32(int8(src[i])) * scale
	}
}
