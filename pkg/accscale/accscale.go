// Package accscale implements the accumulate datatype tag and the scalar
// (or complex-scalar) scaling step applied before a non-identity-scale
// accumulate.
package accscale

import (
	"encoding/binary"
	"math"

	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// Datatype is one of the six accumulate datatype tags.
type Datatype int

const (
	Int32 Datatype = iota
	Int64
	Float32
	Float64
	Complex64
	Complex128
)

// Size returns the datatype's element size in bytes.
func (d Datatype) Size() int {
	switch d {
	case Int32, Float32:
		return 4
	case Int64, Float64, Complex64:
		return 8
	case Complex128:
		return 16
	default:
		return 0
	}
}

// Substrate maps a Datatype onto the substrate's corresponding built-in
// Datatype and returns an error for any value outside the six tags.
func (d Datatype) Substrate() (substrate.Datatype, error) {
	switch d {
	case Int32:
		return substrate.Int32, nil
	case Int64:
		return substrate.Int64, nil
	case Float32:
		return substrate.Float32, nil
	case Float64:
		return substrate.Float64, nil
	case Complex64:
		return substrate.Complex64, nil
	case Complex128:
		return substrate.Complex128, nil
	default:
		return 0, gmrerr.ErrUnknownDatatype
	}
}

// Scale is a scalar multiplier. Im is ignored for real datatypes.
type Scale struct {
	Re, Im float64
}

// Identity is the multiplicative identity, 1+0i.
var Identity = Scale{Re: 1}

// IsIdentity reports whether s is the identity scale.
func (s Scale) IsIdentity() bool {
	return s.Re == 1 && s.Im == 0
}

// Apply fills dst with src[i]*scale elementwise, interpreting both buffers
// under dt. dst and src must have equal length, a multiple of dt.Size()
// (for complex datatypes that size already covers one interleaved re/im
// pair). Used only when scale is non-identity; identity scales should
// bypass Apply and accumulate src directly.
func Apply(dst, src []byte, dt Datatype, scale Scale) error {
	if len(dst) != len(src) {
		return gmrerr.NewFatal("accscale.Apply", errLenMismatch(len(dst), len(src)))
	}
	sz := dt.Size()
	if sz == 0 || len(src)%sz != 0 {
		return gmrerr.ErrMisalignedSize
	}
	n := len(src) / sz
	for i := 0; i < n; i++ {
		s := src[i*sz : (i+1)*sz]
		d := dst[i*sz : (i+1)*sz]
		if err := applyElem(d, s, dt, scale); err != nil {
			return err
		}
	}
	return nil
}

func applyElem(dst, src []byte, dt Datatype, scale Scale) error {
	switch dt {
	case Int32:
		v := int32(binary.LittleEndian.Uint32(src))
		binary.LittleEndian.PutUint32(dst, uint32(int32(float64(v)*scale.Re)))
	case Int64:
		v := int64(binary.LittleEndian.Uint64(src))
		binary.LittleEndian.PutUint64(dst, uint64(int64(float64(v)*scale.Re)))
	case Float32:
		v := math.Float32frombits(binary.LittleEndian.Uint32(src))
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(float64(v)*scale.Re)))
	case Float64:
		v := math.Float64frombits(binary.LittleEndian.Uint64(src))
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v*scale.Re))
	case Complex64:
		re := math.Float32frombits(binary.LittleEndian.Uint32(src[0:4]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(src[4:8]))
		// (a+bi)(c+di) elementwise into a private buffer.
		r := complex(float64(re), float64(im)) * complex(scale.Re, scale.Im)
		binary.LittleEndian.PutUint32(dst[0:4], math.Float32bits(float32(real(r))))
		binary.LittleEndian.PutUint32(dst[4:8], math.Float32bits(float32(imag(r))))
	case Complex128:
		re := math.Float64frombits(binary.LittleEndian.Uint64(src[0:8]))
		im := math.Float64frombits(binary.LittleEndian.Uint64(src[8:16]))
		r := complex(re, im) * complex(scale.Re, scale.Im)
		binary.LittleEndian.PutUint64(dst[0:8], math.Float64bits(real(r)))
		binary.LittleEndian.PutUint64(dst[8:16], math.Float64bits(imag(r)))
	default:
		return gmrerr.ErrUnknownDatatype
	}
	return nil
}

type lenMismatchError struct{ a, b int }

func (e lenMismatchError) Error() string {
	return "accscale: length mismatch"
}

func errLenMismatch(a, b int) error { return lenMismatchError{a, b} }
