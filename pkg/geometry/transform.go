// Package geometry provides homogeneous rigid transforms for controller poses.
//
// A Transform is a 4x4 row-major matrix with a 3x3 rotation block and a
// translation column. Matrix products and inverses go through gonum so the
// results match a general-purpose linear algebra library exactly.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Vec3 is a position in meters.
type Vec3 [3]float64

// Quat is an orientation quaternion in x, y, z, w order.
type Quat struct {
	X, Y, Z, W float64
}

// Norm returns the quaternion length.
func (q Quat) Norm() float64 {
	return math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
}

// Transform is a 4x4 homogeneous transform, indexed [row][col].
type Transform [4][4]float64

// Identity returns the identity transform.
func Identity() Transform {
	var t Transform
	for i := 0; i < 4; i++ {
		t[i][i] = 1
	}
	return t
}

// PoseToTransform builds a transform from a position and a unit quaternion.
// The quaternion is not normalized; callers must pass a unit quaternion.
func PoseToTransform(p Vec3, q Quat) Transform {
	qx, qy, qz, qw := q.X, q.Y, q.Z, q.W

	t := Identity()
	t[0][0] = 1 - 2*(qy*qy+qz*qz)
	t[0][1] = 2 * (qx*qy - qz*qw)
	t[0][2] = 2 * (qx*qz + qy*qw)
	t[1][0] = 2 * (qx*qy + qz*qw)
	t[1][1] = 1 - 2*(qx*qx+qz*qz)
	t[1][2] = 2 * (qy*qz - qx*qw)
	t[2][0] = 2 * (qx*qz - qy*qw)
	t[2][1] = 2 * (qy*qz + qx*qw)
	t[2][2] = 1 - 2*(qx*qx+qy*qy)

	t[0][3] = p[0]
	t[1][3] = p[1]
	t[2][3] = p[2]
	return t
}

// TransformToPose extracts the position and an x, y, z, w quaternion from a
// transform using Shepperd's method.
func TransformToPose(t Transform) (Vec3, Quat) {
	r := t.rotationBlock()
	var q Quat

	trace := r[0][0] + r[1][1] + r[2][2]
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q.W = 0.25 / s
		q.X = (r[2][1] - r[1][2]) * s
		q.Y = (r[0][2] - r[2][0]) * s
		q.Z = (r[1][0] - r[0][1]) * s
	case r[0][0] > r[1][1] && r[0][0] > r[2][2]:
		s := 2 * math.Sqrt(1+r[0][0]-r[1][1]-r[2][2])
		q.W = (r[2][1] - r[1][2]) / s
		q.X = 0.25 * s
		q.Y = (r[0][1] + r[1][0]) / s
		q.Z = (r[0][2] + r[2][0]) / s
	case r[1][1] > r[2][2]:
		s := 2 * math.Sqrt(1+r[1][1]-r[0][0]-r[2][2])
		q.W = (r[0][2] - r[2][0]) / s
		q.X = (r[0][1] + r[1][0]) / s
		q.Y = 0.25 * s
		q.Z = (r[1][2] + r[2][1]) / s
	default:
		s := 2 * math.Sqrt(1+r[2][2]-r[0][0]-r[1][1])
		q.W = (r[1][0] - r[0][1]) / s
		q.X = (r[0][2] + r[2][0]) / s
		q.Y = (r[1][2] + r[2][1]) / s
		q.Z = 0.25 * s
	}

	return t.Translation(), q
}

func (t Transform) rotationBlock() [3][3]float64 {
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = t[i][j]
		}
	}
	return r
}

// Translation returns the translation column.
func (t Transform) Translation() Vec3 {
	return Vec3{t[0][3], t[1][3], t[2][3]}
}

// Rotation returns a transform holding only the rotation block of t.
func (t Transform) Rotation() Transform {
	out := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = t[i][j]
		}
	}
	return out
}

// Equal reports whether every element of t and other differ by at most tol.
func (t Transform) Equal(other Transform, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(t[i][j]-other[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

// String formats the matrix one row per line.
func (t Transform) String() string {
	return fmt.Sprintf("[%v\n %v\n %v\n %v]", t[0], t[1], t[2], t[3])
}

func (t Transform) dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		data = append(data, t[i][:]...)
	}
	return mat.NewDense(4, 4, data)
}

func fromDense(m mat.Matrix) Transform {
	var t Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			t[i][j] = m.At(i, j)
		}
	}
	return t
}

// Mul returns the matrix product of the given transforms, left to right.
func Mul(ts ...Transform) Transform {
	if len(ts) == 0 {
		return Identity()
	}
	acc := ts[0].dense()
	for _, next := range ts[1:] {
		var product mat.Dense
		product.Mul(acc, next.dense())
		acc = &product
	}
	return fromDense(acc)
}

// ErrSingular is returned when a transform cannot be inverted.
var ErrSingular = errors.New("geometry: transform is singular")

// Inverse returns the general matrix inverse of t.
func Inverse(t Transform) (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.dense()); err != nil {
		// An ill-conditioned matrix still yields a usable inverse.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return Transform{}, fmt.Errorf("%w: %v", ErrSingular, err)
		}
		if math.IsInf(float64(cond), 1) {
			return Transform{}, ErrSingular
		}
	}
	return fromDense(&inv), nil
}

// RelativeInOriginFrame computes the motion from origin to target and
// re-expresses it in the rotation frame of origin:
//
//	delta  = inv(origin) @ target
//	R      = rotation-only(origin)
//	result = R @ delta @ inv(R)
func RelativeInOriginFrame(origin, target Transform) (Transform, error) {
	originInv, err := Inverse(origin)
	if err != nil {
		return Transform{}, fmt.Errorf("invert origin: %w", err)
	}
	delta := Mul(originInv, target)

	rotation := origin.Rotation()
	rotationInv, err := Inverse(rotation)
	if err != nil {
		return Transform{}, fmt.Errorf("invert origin rotation: %w", err)
	}
	return Mul(rotation, delta, rotationInv), nil
}

// XYZRPYToTransform builds a transform from a translation and roll, pitch,
// yaw angles in radians (Z-Y-X convention).
func XYZRPYToTransform(x, y, z, roll, pitch, yaw float64) Transform {
	a, b := math.Cos(yaw), math.Sin(yaw)
	c, d := math.Cos(pitch), math.Sin(pitch)
	e, f := math.Cos(roll), math.Sin(roll)
	de, df := d*e, d*f

	t := Identity()
	t[0][0] = a * c
	t[0][1] = a*df - b*e
	t[0][2] = b*f + a*de
	t[0][3] = x
	t[1][0] = b * c
	t[1][1] = a*e + b*df
	t[1][2] = b*de - a*f
	t[1][3] = y
	t[2][0] = -d
	t[2][1] = c * f
	t[2][2] = c * e
	t[2][3] = z
	return t
}

// vrToRobotAxes maps headset axes (x right, y up, z back) onto robot axes
// (x forward, y left, z up).
var vrToRobotAxes = Transform{
	{0, 0, -1, 0},
	{-1, 0, 0, 0},
	{0, 1, 0, 0},
	{0, 0, 0, 1},
}

// ToRobotConvention converts a transform expressed in the VR headset frame to
// the robot base convention.
func ToRobotConvention(vr Transform) Transform {
	adjust := XYZRPYToTransform(0, 0, 0, -math.Pi, 0, -math.Pi/2)
	return Mul(vrToRobotAxes, vr, adjust)
}
