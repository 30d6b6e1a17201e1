package math

func NewVec3(x, y, z float32) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

func (v Vec3) Dot(other Vec3) float32 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

func (v Vec3) Cross(other Vec3) Vec3 {
	return Vec3{
		X: v.Y*other.Z - v.Z*other.Y,
		Y: v.Z*other.X - v.X*other.Z,
		Z: v.X*other.Y - v.Y*other.X,
	}
}

func (v Vec3) Length() float32 {
	return ksqrt(v.Dot(v))
}

// Normalized returns a unit-length copy. The zero vector is returned unchanged.
func (v Vec3) Normalized() Vec3 {
	l := v.Length()
	if l == 0 {
		return v
	}
	return Vec3{X: v.X / l, Y: v.Y / l, Z: v.Z / l}
}

func NewMat4Identity() Mat4 {
	out := Mat4{}
	out.Data[0] = 1.0
	out.Data[5] = 1.0
	out.Data[10] = 1.0
	out.Data[15] = 1.0
	return out
}

func (mt Mat4) Mul(other Mat4) Mat4 {
	out := Mat4{}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			sum := float32(0)
			for i := 0; i < 4; i++ {
				sum += mt.Data[row*4+i] * other.Data[i*4+col]
			}
			out.Data[row*4+col] = sum
		}
	}
	return out
}

func (mt Mat4) Transposed() Mat4 {
	out := Mat4{}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			out.Data[col*4+row] = mt.Data[row*4+col]
		}
	}
	return out
}

// NewMat4PerspectiveLH builds a left-handed perspective projection with a
// [0, 1] depth range.
func NewMat4PerspectiveLH(fovRadians, aspectRatio, nearClip, farClip float32) Mat4 {
	yScale := 1.0 / ktan(fovRadians*0.5)
	xScale := yScale / aspectRatio
	out := Mat4{}
	out.Data[0] = xScale
	out.Data[5] = yScale
	out.Data[10] = farClip / (farClip - nearClip)
	out.Data[11] = 1.0
	out.Data[14] = -nearClip * farClip / (farClip - nearClip)
	return out
}

// NewMat4LookAtLH returns a left-handed view matrix looking at target from eye.
func NewMat4LookAtLH(eye, target, up Vec3) Mat4 {
	zAxis := target.Sub(eye).Normalized()
	xAxis := up.Cross(zAxis).Normalized()
	yAxis := zAxis.Cross(xAxis)

	out := NewMat4Identity()
	out.Data[0], out.Data[1], out.Data[2] = xAxis.X, yAxis.X, zAxis.X
	out.Data[4], out.Data[5], out.Data[6] = xAxis.Y, yAxis.Y, zAxis.Y
	out.Data[8], out.Data[9], out.Data[10] = xAxis.Z, yAxis.Z, zAxis.Z
	out.Data[12] = -xAxis.Dot(eye)
	out.Data[13] = -yAxis.Dot(eye)
	out.Data[14] = -zAxis.Dot(eye)
	return out
}

// NewMat4RotationAxis rotates angleRadians around the given axis.
func NewMat4RotationAxis(axis Vec3, angleRadians float32) Mat4 {
	a := axis.Normalized()
	c := kcos(angleRadians)
	s := ksin(angleRadians)
	t := 1.0 - c

	out := NewMat4Identity()
	out.Data[0] = t*a.X*a.X + c
	out.Data[1] = t*a.X*a.Y + s*a.Z
	out.Data[2] = t*a.X*a.Z - s*a.Y
	out.Data[4] = t*a.X*a.Y - s*a.Z
	out.Data[5] = t*a.Y*a.Y + c
	out.Data[6] = t*a.Y*a.Z + s*a.X
	out.Data[8] = t*a.X*a.Z + s*a.Y
	out.Data[9] = t*a.Y*a.Z - s*a.X
	out.Data[10] = t*a.Z*a.Z + c
	return out
}
