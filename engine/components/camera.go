package components

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/exp/constraints"

	"github.com/spaghettifunk/lumen/engine/renderer/frame"
)

// Clamp returns f clamped to [low, high].
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

type CameraKind uint8

const (
	CameraFirstPerson CameraKind = iota
	CameraArcball
)

/** @brief 89 degrees, keeps the view away from gimbal lock. */
const pitchLimit = float32(1.55334306)

var worldUp = mgl32.Vec3{0, 1, 0}

// CameraInput is one frame of controller input. Move is in camera space:
// x right, y up, z forward. Look is the yaw and pitch delta in radians.
type CameraInput struct {
	Move mgl32.Vec3
	Look mgl32.Vec2
	Zoom float32
}

type FirstPersonState struct {
	Position mgl32.Vec3
	Yaw      float32
	Pitch    float32
	// Speed is in units per second.
	Speed float32
}

type ArcballState struct {
	Target      mgl32.Vec3
	Distance    float32
	Yaw         float32
	Pitch       float32
	MinDistance float32
	MaxDistance float32
}

/**
 * @brief A camera is one of a fixed set of controllers. Kind selects which
 * state is live; each kind has its own update function.
 */
type Camera struct {
	Kind        CameraKind
	FirstPerson FirstPersonState
	Arcball     ArcballState

	FOV  float32
	Near float32
	Far  float32
}

func NewFirstPersonCamera(position mgl32.Vec3) *Camera {
	return &Camera{
		Kind:        CameraFirstPerson,
		FirstPerson: FirstPersonState{Position: position, Speed: 5},
		FOV:         mgl32.DegToRad(45),
		Near:        0.1,
		Far:         1000,
	}
}

func NewArcballCamera(target mgl32.Vec3, distance float32) *Camera {
	c := &Camera{
		Kind: CameraArcball,
		Arcball: ArcballState{
			Target:      target,
			MinDistance: 0.1,
			MaxDistance: 500,
		},
		FOV:  mgl32.DegToRad(45),
		Near: 0.1,
		Far:  1000,
	}
	c.Arcball.Distance = Clamp(distance, c.Arcball.MinDistance, c.Arcball.MaxDistance)
	return c
}

// Update applies dt seconds of input to the live controller.
func (c *Camera) Update(dt float32, in CameraInput) {
	switch c.Kind {
	case CameraFirstPerson:
		updateFirstPerson(&c.FirstPerson, dt, in)
	case CameraArcball:
		updateArcball(&c.Arcball, in)
	}
}

func direction(yaw, pitch float32) mgl32.Vec3 {
	cy, sy := float32(math.Cos(float64(yaw))), float32(math.Sin(float64(yaw)))
	cp, sp := float32(math.Cos(float64(pitch))), float32(math.Sin(float64(pitch)))
	return mgl32.Vec3{cp * sy, sp, -cp * cy}
}

func updateFirstPerson(s *FirstPersonState, dt float32, in CameraInput) {
	s.Yaw += in.Look.X()
	s.Pitch = Clamp(s.Pitch+in.Look.Y(), -pitchLimit, pitchLimit)

	if in.Move.Len() == 0 {
		return
	}
	forward := direction(s.Yaw, s.Pitch)
	right := forward.Cross(worldUp).Normalize()
	step := right.Mul(in.Move.X()).
		Add(worldUp.Mul(in.Move.Y())).
		Add(forward.Mul(in.Move.Z()))
	s.Position = s.Position.Add(step.Mul(s.Speed * dt))
}

func updateArcball(s *ArcballState, in CameraInput) {
	s.Yaw += in.Look.X()
	s.Pitch = Clamp(s.Pitch+in.Look.Y(), -pitchLimit, pitchLimit)
	s.Distance = Clamp(s.Distance-in.Zoom, s.MinDistance, s.MaxDistance)
}

func (c *Camera) Position() mgl32.Vec3 {
	if c.Kind == CameraArcball {
		s := c.Arcball
		// The eye sits opposite the viewing direction.
		return s.Target.Sub(direction(s.Yaw, s.Pitch).Mul(s.Distance))
	}
	return c.FirstPerson.Position
}

func (c *Camera) View() mgl32.Mat4 {
	if c.Kind == CameraArcball {
		return mgl32.LookAtV(c.Position(), c.Arcball.Target, worldUp)
	}
	s := c.FirstPerson
	return mgl32.LookAtV(s.Position, s.Position.Add(direction(s.Yaw, s.Pitch)), worldUp)
}

// Projection is a perspective projection with the Y axis flipped for
// Vulkan clip space.
func (c *Camera) Projection(aspect float32) mgl32.Mat4 {
	p := mgl32.Perspective(c.FOV, aspect, c.Near, c.Far)
	p[5] *= -1
	return p
}

// Uniform packs the camera for the per-frame uniform buffer.
func (c *Camera) Uniform(aspect float32) frame.Camera {
	view := c.View()
	proj := c.Projection(aspect)
	return frame.Camera{
		View:           view,
		Projection:     proj,
		ViewProjection: proj.Mul4(view),
		Position:       c.Position(),
	}
}
