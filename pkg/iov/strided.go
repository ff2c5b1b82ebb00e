// Package iov implements the strided and generalized I/O-vector encoders:
// validating nested-stride descriptors, flattening them into a list of
// contiguous segments, packing strided data densely, and detecting overlap
// among segments. The transfer dispatch that uses them lives in package rma.
package iov

import "fmt"

// Descriptor is a strided descriptor: Count[0] is the contiguous
// leading-dimension byte length; Stride[i] is the byte distance between
// successive blocks at level i+1. Invariant: Stride[i+1] >= Stride[i].
type Descriptor struct {
	Stride []int64
	Count  []int64 // len(Count) == len(Stride)+1
}

// Levels reports the descriptor's stride-level count.
func (d Descriptor) Levels() int { return len(d.Stride) }

// Validate checks the descriptor's structural invariants.
func (d Descriptor) Validate() error {
	if len(d.Count) != len(d.Stride)+1 {
		return fmt.Errorf("iov: count has %d entries, want %d for %d stride levels", len(d.Count), len(d.Stride)+1, len(d.Stride))
	}
	if len(d.Count) == 0 || d.Count[0] < 0 {
		return fmt.Errorf("iov: count[0] (leading contiguous length) must be present and non-negative")
	}
	for i := 1; i < len(d.Stride); i++ {
		if d.Stride[i] < d.Stride[i-1] {
			return fmt.Errorf("iov: stride must be monotone nondecreasing, stride[%d]=%d < stride[%d]=%d", i, d.Stride[i], i-1, d.Stride[i-1])
		}
	}
	for i, c := range d.Count[1:] {
		if c < 0 {
			return fmt.Errorf("iov: count[%d]=%d must be non-negative", i+1, c)
		}
	}
	return nil
}

// BlockCount returns the product of Count[1:], the number of contiguous
// leading-dimension blocks the descriptor describes.
func (d Descriptor) BlockCount() int64 {
	n := int64(1)
	for _, c := range d.Count[1:] {
		n *= c
	}
	return n
}

// TotalBytes returns Count[0] * BlockCount().
func (d Descriptor) TotalBytes() int64 {
	return d.Count[0] * d.BlockCount()
}

// IsContiguous reports whether the descriptor collapses to a single
// contiguous run (no stride levels, or every higher-level count is 1).
func (d Descriptor) IsContiguous() bool {
	return d.BlockCount() == 1
}

// TrimTrailingOnes drops stride levels whose count is 1 starting from the
// outermost (highest) level inward, a "trailing-ones optimization" that
// lets genuinely contiguous or lower-rank transfers collapse to fewer
// levels before encoding.
func TrimTrailingOnes(d Descriptor) Descriptor {
	stride := append([]int64(nil), d.Stride...)
	count := append([]int64(nil), d.Count...)
	for len(stride) > 0 && count[len(count)-1] == 1 {
		stride = stride[:len(stride)-1]
		count = count[:len(count)-1]
	}
	return Descriptor{Stride: stride, Count: count}
}
