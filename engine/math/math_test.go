package math

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 1, Clamp(0, 1, 8))
	assert.Equal(t, 8, Clamp(9, 1, 8))
	assert.Equal(t, float32(0.5), Clamp(float32(0.5), 0, 1))
	assert.Equal(t, uint32(1), Max(uint32(0), uint32(1)))
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(256), AlignUp(uint64(1), uint64(256)))
	assert.Equal(t, uint64(256), AlignUp(uint64(256), uint64(256)))
	assert.Equal(t, uint64(512), AlignUp(uint64(257), uint64(256)))
}

func TestMat4IdentityMul(t *testing.T) {
	r := NewMat4RotationAxis(NewVec3(0, 1, 1), 0.7)
	assert.Equal(t, r, r.Mul(NewMat4Identity()))
	assert.Equal(t, r, r.Transposed().Transposed())
}
