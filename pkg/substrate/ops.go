package substrate

import (
	"encoding/binary"
	"fmt"
	"math"
)

// applyOp performs dst = dst <op> src elementwise, interpreting both slices
// under datatype dt. It backs the mock window's Accumulate/GetAccumulate/
// FetchAndOp and stands in for what a real substrate's native reduction
// would do at the target.
func applyOp(dst, src []byte, dt Datatype, op ReduceOp) error {
	if len(dst) != len(src) {
		return fmt.Errorf("substrate: accumulate length mismatch dst=%d src=%d", len(dst), len(src))
	}
	if op == Replace {
		copy(dst, src)
		return nil
	}
	if op == NoOp {
		return nil
	}
	sz := dt.Size()
	if sz == 0 || len(dst)%sz != 0 {
		return fmt.Errorf("substrate: buffer length %d not a multiple of %v size %d", len(dst), dt, sz)
	}
	n := len(dst) / sz
	for i := 0; i < n; i++ {
		d := dst[i*sz : (i+1)*sz]
		s := src[i*sz : (i+1)*sz]
		if err := applyElem(d, s, dt, op); err != nil {
			return err
		}
	}
	return nil
}

func applyElem(d, s []byte, dt Datatype, op ReduceOp) error {
	switch dt {
	case Int32:
		a := int32(binary.LittleEndian.Uint32(d))
		b := int32(binary.LittleEndian.Uint32(s))
		binary.LittleEndian.PutUint32(d, uint32(reduceInt(int64(a), int64(b), op)))
	case Int64:
		a := int64(binary.LittleEndian.Uint64(d))
		b := int64(binary.LittleEndian.Uint64(s))
		binary.LittleEndian.PutUint64(d, uint64(reduceInt(a, b, op)))
	case Float32:
		a := math.Float32frombits(binary.LittleEndian.Uint32(d))
		b := math.Float32frombits(binary.LittleEndian.Uint32(s))
		binary.LittleEndian.PutUint32(d, math.Float32bits(float32(reduceFloat(float64(a), float64(b), op))))
	case Float64:
		a := math.Float64frombits(binary.LittleEndian.Uint64(d))
		b := math.Float64frombits(binary.LittleEndian.Uint64(s))
		binary.LittleEndian.PutUint64(d, math.Float64bits(reduceFloat(a, b, op)))
	case Complex64:
		ar, ai := math.Float32frombits(binary.LittleEndian.Uint32(d[0:4])), math.Float32frombits(binary.LittleEndian.Uint32(d[4:8]))
		br, bi := math.Float32frombits(binary.LittleEndian.Uint32(s[0:4])), math.Float32frombits(binary.LittleEndian.Uint32(s[4:8]))
		rr, ri := reduceComplex(float64(ar), float64(ai), float64(br), float64(bi), op)
		binary.LittleEndian.PutUint32(d[0:4], math.Float32bits(float32(rr)))
		binary.LittleEndian.PutUint32(d[4:8], math.Float32bits(float32(ri)))
	case Complex128:
		ar, ai := math.Float64frombits(binary.LittleEndian.Uint64(d[0:8])), math.Float64frombits(binary.LittleEndian.Uint64(d[8:16]))
		br, bi := math.Float64frombits(binary.LittleEndian.Uint64(s[0:8])), math.Float64frombits(binary.LittleEndian.Uint64(s[8:16]))
		rr, ri := reduceComplex(ar, ai, br, bi, op)
		binary.LittleEndian.PutUint64(d[0:8], math.Float64bits(rr))
		binary.LittleEndian.PutUint64(d[8:16], math.Float64bits(ri))
	case Byte:
		for i := range d {
			d[i] = byte(reduceInt(int64(d[i]), int64(s[i]), op))
		}
	default:
		return fmt.Errorf("substrate: unsupported datatype %v for reduction", dt)
	}
	return nil
}

func reduceInt(a, b int64, op ReduceOp) int64 {
	switch op {
	case Sum:
		return a + b
	case Prod:
		return a * b
	case Min:
		if a < b {
			return a
		}
		return b
	case Max:
		if a > b {
			return a
		}
		return b
	default:
		return b
	}
}

func reduceFloat(a, b float64, op ReduceOp) float64 {
	switch op {
	case Sum:
		return a + b
	case Prod:
		return a * b
	case Min:
		return math.Min(a, b)
	case Max:
		return math.Max(a, b)
	default:
		return b
	}
}

func reduceComplex(ar, ai, br, bi float64, op ReduceOp) (float64, float64) {
	switch op {
	case Sum:
		return ar + br, ai + bi
	case Prod:
		return ar*br - ai*bi, ar*bi + ai*br
	default:
		return br, bi
	}
}
