// Package maths provides the small rigid-transform algebra used by the
// tracker: 3-vectors, unit quaternions and poses (position + orientation).
// A Pose always denotes a transform from one named frame to another; the
// frame pair is part of the caller's bookkeeping, not encoded here.
package maths

import "math"

// Vec3 is a 3-component float vector (meters, m/s, rad/s depending on use).
type Vec3 struct {
	X, Y, Z float32
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Scale returns v * s.
func (v Vec3) Scale(s float32) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

// Cross returns the cross product v × o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

// Dot returns the dot product v · o.
func (v Vec3) Dot(o Vec3) float32 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Len returns the euclidean length of v.
func (v Vec3) Len() float32 {
	return float32(math.Sqrt(float64(v.Dot(v))))
}

// Abs returns v with each component replaced by its absolute value.
// Used for 1σ error vectors, which are magnitudes per axis.
func (v Vec3) Abs() Vec3 {
	return Vec3{abs32(v.X), abs32(v.Y), abs32(v.Z)}
}

func abs32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}

// Quat is a unit quaternion, X/Y/Z imaginary parts first, W real part last.
type Quat struct {
	X, Y, Z, W float32
}

// QuatIdentity returns the identity rotation.
func QuatIdentity() Quat {
	return Quat{W: 1}
}

// Mul returns the Hamilton product q * o.
func (q Quat) Mul(o Quat) Quat {
	return Quat{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}

// Conjugate returns the conjugate of q. For a unit quaternion this is
// also the inverse rotation.
func (q Quat) Conjugate() Quat {
	return Quat{X: -q.X, Y: -q.Y, Z: -q.Z, W: q.W}
}

// Normalize returns q scaled to unit length. A zero quaternion
// normalizes to the identity.
func (q Quat) Normalize() Quat {
	n := float32(math.Sqrt(float64(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)))
	if n == 0 {
		return QuatIdentity()
	}
	return Quat{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

// Rotate applies the rotation q to the vector v.
func (q Quat) Rotate(v Vec3) Vec3 {
	// v' = v + 2*qv × (qv × v + w*v)
	qv := Vec3{q.X, q.Y, q.Z}
	t := qv.Cross(v).Add(v.Scale(q.W))
	return v.Add(qv.Cross(t).Scale(2))
}

// RotateAbs rotates v by q and takes the per-component absolute value.
// Per-axis error magnitudes stay magnitudes across a frame change.
func (q Quat) RotateAbs(v Vec3) Vec3 {
	return q.Rotate(v).Abs()
}

// Diff returns the rotation taking o to q, i.e. q * o⁻¹.
func (q Quat) Diff(o Quat) Quat {
	return q.Mul(o.Conjugate())
}

// ToRotationVec converts q to an axis-angle rotation vector
// (axis scaled by angle in radians).
func (q Quat) ToRotationVec() Vec3 {
	n := Vec3{q.X, q.Y, q.Z}.Len()
	if n == 0 {
		return Vec3{}
	}
	w := q.W
	if w > 1 {
		w = 1
	} else if w < -1 {
		w = -1
	}
	angle := 2 * float32(math.Atan2(float64(n), float64(w)))
	// Keep the short way around
	if angle > float32(math.Pi) {
		angle -= 2 * float32(math.Pi)
	}
	return Vec3{q.X, q.Y, q.Z}.Scale(angle / n)
}

// FromAxisAngle builds a quaternion from a rotation vector
// (axis scaled by angle in radians).
func FromAxisAngle(v Vec3) Quat {
	angle := v.Len()
	if angle == 0 {
		return QuatIdentity()
	}
	s := float32(math.Sin(float64(angle) / 2))
	c := float32(math.Cos(float64(angle) / 2))
	axis := v.Scale(1 / angle)
	return Quat{axis.X * s, axis.Y * s, axis.Z * s, c}
}

// Lerp returns the normalized linear interpolation between q and o at t.
// Good enough for the small per-tick steps the output filter takes.
func (q Quat) Lerp(o Quat, t float32) Quat {
	// Take the short arc
	if q.X*o.X+q.Y*o.Y+q.Z*o.Z+q.W*o.W < 0 {
		o = Quat{-o.X, -o.Y, -o.Z, -o.W}
	}
	return Quat{
		q.X + (o.X-q.X)*t,
		q.Y + (o.Y-q.Y)*t,
		q.Z + (o.Z-q.Z)*t,
		q.W + (o.W-q.W)*t,
	}.Normalize()
}

// Pose is a rigid transform: rotate by Orient, then translate by Pos.
type Pose struct {
	Pos    Vec3
	Orient Quat
}

// PoseIdentity returns the identity transform.
func PoseIdentity() Pose {
	return Pose{Orient: QuatIdentity()}
}

// Apply composes p ∘ o: the transform that applies o first, then p.
func (p Pose) Apply(o Pose) Pose {
	return Pose{
		Pos:    p.Pos.Add(p.Orient.Rotate(o.Pos)),
		Orient: p.Orient.Mul(o.Orient).Normalize(),
	}
}

// Inverse returns the transform undoing p.
func (p Pose) Inverse() Pose {
	inv := p.Orient.Conjugate()
	return Pose{
		Pos:    inv.Rotate(p.Pos).Scale(-1),
		Orient: inv,
	}
}
