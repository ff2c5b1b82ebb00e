package iov

// Segment is one contiguous (srcOffset, dstOffset, length) block produced by
// flattening a nested strided descriptor in row-major order, the
// flatten-to-IOV algorithm feeding the generalized I/O vector path.
type Segment struct {
	SrcOff int64
	DstOff int64
	Len    int64
}

// StridedOp pairs a source and destination Descriptor that share the same
// block counts (Count[1:]) but may have independent strides — the shape a
// strided put/get/acc call takes.
type StridedOp struct {
	SrcStride []int64
	DstStride []int64
	Count     []int64 // shared: Count[0] leading bytes, Count[1:] block counts per level
}

// Flatten walks the nested index space in row-major order, producing one
// Segment per contiguous leading-dimension block. This is the
// flatten-to-IOV algorithm; Flatten never merges adjacent blocks even
// when strides happen to make them contiguous, matching the source
// algorithm's block-at-a-time behavior.
func Flatten(op StridedOp) []Segment {
	leading := op.Count[0]
	levels := len(op.Count) - 1
	if levels == 0 {
		return []Segment{{SrcOff: 0, DstOff: 0, Len: leading}}
	}
	var segs []Segment
	idx := make([]int64, levels)
	total := int64(1)
	for _, c := range op.Count[1:] {
		total *= c
	}
	for n := int64(0); n < total; n++ {
		var srcOff, dstOff int64
		for l := 0; l < levels; l++ {
			srcOff += idx[l] * op.SrcStride[l]
			dstOff += idx[l] * op.DstStride[l]
		}
		segs = append(segs, Segment{SrcOff: srcOff, DstOff: dstOff, Len: leading})
		for l := levels - 1; l >= 0; l-- {
			idx[l]++
			if idx[l] < op.Count[l+1] {
				break
			}
			idx[l] = 0
		}
	}
	return segs
}

// Densify copies src (the real backing buffer, addressed via Flatten's
// SrcOff for each segment) into a single contiguous buffer in nested
// row-major order — the representation the direct-datatype path needs for
// its origin side when the mock substrate cannot describe a non-contiguous
// origin natively; the accumulate-with-scale case densifies its scaled
// source for the same reason.
func Densify(src []byte, segs []Segment) []byte {
	out := make([]byte, 0, len(segs)*int(segMax(segs)))
	for _, s := range segs {
		out = append(out, src[s.SrcOff:s.SrcOff+s.Len]...)
	}
	return out
}

func segMax(segs []Segment) int64 {
	if len(segs) == 0 {
		return 0
	}
	return segs[0].Len
}

// Overlaps reports whether two half-open byte intervals [aOff,aOff+aLen) and
// [bOff,bOff+bLen) intersect.
func Overlaps(aOff, aLen, bOff, bLen int64) bool {
	return aOff < bOff+bLen && bOff < aOff+aLen
}

// HasOverlap runs the O(n^2) pairwise destination-interval comparison used
// to decide whether the IOV dispatch must fall back to the safe
// (per-segment lock/unlock) path. Disabled entirely by the caller when
// DISABLE_IOV_CHECKS is set.
func HasOverlap(offsets []int64, lens []int64) bool {
	for i := 0; i < len(offsets); i++ {
		for j := i + 1; j < len(offsets); j++ {
			if Overlaps(offsets[i], lens[i], offsets[j], lens[j]) {
				return true
			}
		}
	}
	return false
}
