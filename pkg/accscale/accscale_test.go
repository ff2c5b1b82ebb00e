package accscale

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatatype_Size(t *testing.T) {
	cases := []struct {
		dt   Datatype
		want int
	}{
		{Int32, 4},
		{Int64, 8},
		{Float32, 4},
		{Float64, 8},
		{Complex64, 8},
		{Complex128, 16},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.dt.Size())
	}
}

func TestDatatype_Substrate_UnknownRejected(t *testing.T) {
	_, err := Datatype(99).Substrate()
	require.Error(t, err)
}

func TestScale_IsIdentity(t *testing.T) {
	assert.True(t, Identity.IsIdentity())
	assert.True(t, Scale{Re: 1, Im: 0}.IsIdentity())
	assert.False(t, Scale{Re: 2}.IsIdentity())
	assert.False(t, Scale{Re: 1, Im: 1}.IsIdentity())
}

func TestApply_Int32(t *testing.T) {
	src := make([]byte, 8)
	binary.LittleEndian.PutUint32(src[0:4], uint32(int32(3)))
	binary.LittleEndian.PutUint32(src[4:8], uint32(int32(-5)))

	dst := make([]byte, 8)
	require.NoError(t, Apply(dst, src, Int32, Scale{Re: 2}))

	assert.Equal(t, int32(6), int32(binary.LittleEndian.Uint32(dst[0:4])))
	assert.Equal(t, int32(-10), int32(binary.LittleEndian.Uint32(dst[4:8])))
}

func TestApply_Float64(t *testing.T) {
	src := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, math.Float64bits(1.5))

	dst := make([]byte, 8)
	require.NoError(t, Apply(dst, src, Float64, Scale{Re: 4}))

	got := math.Float64frombits(binary.LittleEndian.Uint64(dst))
	assert.InDelta(t, 6.0, got, 1e-12)
}

func TestApply_Complex64(t *testing.T) {
	src := make([]byte, 8)
	binary.LittleEndian.PutUint32(src[0:4], math.Float32bits(1))
	binary.LittleEndian.PutUint32(src[4:8], math.Float32bits(2))

	dst := make([]byte, 8)
	require.NoError(t, Apply(dst, src, Complex64, Scale{Re: 0, Im: 1}))

	re := math.Float32frombits(binary.LittleEndian.Uint32(dst[0:4]))
	im := math.Float32frombits(binary.LittleEndian.Uint32(dst[4:8]))
	// (1+2i) * i = -2+1i
	assert.InDelta(t, -2, float64(re), 1e-5)
	assert.InDelta(t, 1, float64(im), 1e-5)
}

func TestApply_LengthMismatch(t *testing.T) {
	err := Apply(make([]byte, 4), make([]byte, 8), Int32, Scale{Re: 1})
	require.Error(t, err)
}

func TestApply_MisalignedSize(t *testing.T) {
	err := Apply(make([]byte, 3), make([]byte, 3), Int32, Scale{Re: 2})
	require.Error(t, err)
}
