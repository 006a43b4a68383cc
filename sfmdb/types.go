// Package sfmdb defines the data model (spec.md §3) and the external
// contracts (spec.md §6) the sfm and meshtrack solvers are built against:
// an observation database, a camera projection model, a feature detector,
// and a worker-pool. These are Go interfaces only — concrete
// implementations (a SQL-backed database, a calibrated pinhole camera, a
// Blob feature matcher) are the caller's concern; spec.md lists all four as
// "external collaborators" deliberately out of this core's scope.
package sfmdb

import "gonum.org/v1/gonum/mat"

// ObjectPoint is a 3D point in world coordinates observed across multiple
// frames (spec.md §3, GLOSSARY). Position is nil until first triangulation.
type ObjectPoint struct {
	ID       uint32
	Position *mat.VecDense // length 3, nil if not yet triangulated
	Valid    bool
	Priority float32
}

// Clone returns a deep copy of the point, safe to mutate independently.
func (p ObjectPoint) Clone() ObjectPoint {
	if p.Position == nil {
		return p
	}
	c := p
	c.Position = mat.VecDenseCopyOf(p.Position)
	return c
}

// CameraPose is a 6-DOF rigid transform from world to camera coordinates
// (spec.md §3, GLOSSARY). WorldTCamera is nil while Valid is false. A pose
// with zero translation represents a pure-rotation frame under the
// rotational camera-motion hypothesis (spec.md §3 invariants).
type CameraPose struct {
	ID           uint32
	WorldTCamera *mat.Dense // 4x4, nil if invalid
	Valid        bool
}

// Observation is a single 2D correspondence, the primary join key of the
// database (spec.md §3). The core never mutates ImagePoint.
type Observation struct {
	PoseID        uint32
	ObjectPointID uint32
	ImagePoint    [2]float64
}

// CameraIntrinsics holds the pinhole + Brown-Conrady distortion parameters
// mutated only when the caller requests intrinsics optimization.
type CameraIntrinsics struct {
	FocalX, FocalY         float64
	PrincipalX, PrincipalY float64
	K1, K2, P1, P2         float64
	Width, Height          int
}

// InBounds reports whether a pixel coordinate lies within the sensor. The
// providers' intrinsics feasibility check (provider.feasibleIntrinsics)
// does not call it.
func (c CameraIntrinsics) InBounds(x, y float64) bool {
	return x >= 0 && x < float64(c.Width) && y >= 0 && y < float64(c.Height)
}

// CameraMotionClass is a bit-set classification of pose-sequence motion
// (spec.md §3, §4.5.5).
type CameraMotionClass uint16

const (
	Static CameraMotionClass = 0

	RotationalTiny CameraMotionClass = 1 << iota
	RotationalModerate
	RotationalSignificant
	TranslationalTiny
	TranslationalModerate
	TranslationalSignificant
	Unknown
)

// IsRotational reports whether any rotational bit is set.
func (c CameraMotionClass) IsRotational() bool {
	return c&(RotationalTiny|RotationalModerate|RotationalSignificant) != 0
}

// IsTranslational reports whether any translational bit is set.
func (c CameraMotionClass) IsTranslational() bool {
	return c&(TranslationalTiny|TranslationalModerate|TranslationalSignificant) != 0
}

func (c CameraMotionClass) String() string {
	if c == Static {
		return "static"
	}
	if c == Unknown {
		return "unknown"
	}
	s := ""
	add := func(name string) {
		if s != "" {
			s += "+"
		}
		s += name
	}
	switch {
	case c&RotationalSignificant != 0:
		add("rotational-significant")
	case c&RotationalModerate != 0:
		add("rotational-moderate")
	case c&RotationalTiny != 0:
		add("rotational-tiny")
	}
	switch {
	case c&TranslationalSignificant != 0:
		add("translational-significant")
	case c&TranslationalModerate != 0:
		add("translational-moderate")
	case c&TranslationalTiny != 0:
		add("translational-tiny")
	}
	if s == "" {
		return "static"
	}
	return s
}
