// Package hex provides axial hex coordinates used to address world locations
// such as production stations and player homesteads.
package hex

import (
	"fmt"
	"strconv"
	"strings"
)

// Axial represents axial coordinates (q, r) for pointy-top orientation.
type Axial struct {
	Q int `json:"q" yaml:"q"`
	R int `json:"r" yaml:"r"`
}

// Cube represents cube coordinates (x, y, z) with x+y+z=0.
type Cube struct {
	X int
	Y int
	Z int
}

// Directions for axial neighbors in pointy-top orientation.
var Directions = []Axial{
	{+1, 0}, {+1, -1}, {0, -1}, {-1, 0}, {-1, +1}, {0, +1},
}

// Add returns a+b in axial space.
func (a Axial) Add(b Axial) Axial { return Axial{a.Q + b.Q, a.R + b.R} }

// ToCube converts axial to cube.
func (a Axial) ToCube() Cube {
	x := a.Q
	z := a.R
	y := -x - z
	return Cube{X: x, Y: y, Z: z}
}

// String renders the coordinate as "q,r". It is used inside storage and
// idempotency keys, so the format must stay stable.
func (a Axial) String() string {
	return strconv.Itoa(a.Q) + "," + strconv.Itoa(a.R)
}

// Parse reads a coordinate in the "q,r" form produced by String.
func Parse(s string) (Axial, error) {
	qs, rs, ok := strings.Cut(s, ",")
	if !ok {
		return Axial{}, fmt.Errorf("hex: malformed coordinate %q", s)
	}
	q, err := strconv.Atoi(strings.TrimSpace(qs))
	if err != nil {
		return Axial{}, fmt.Errorf("hex: malformed q in %q: %w", s, err)
	}
	r, err := strconv.Atoi(strings.TrimSpace(rs))
	if err != nil {
		return Axial{}, fmt.Errorf("hex: malformed r in %q: %w", s, err)
	}
	return Axial{Q: q, R: r}, nil
}

// Distance returns hex distance between two axial coords.
func Distance(a, b Axial) int {
	ac, bc := a.ToCube(), b.ToCube()
	dx := abs(ac.X - bc.X)
	dy := abs(ac.Y - bc.Y)
	dz := abs(ac.Z - bc.Z)
	if dx > dy && dx > dz {
		return dx
	}
	if dy > dz {
		return dy
	}
	return dz
}

// Within reports whether b lies within radius steps of a.
func Within(a, b Axial, radius int) bool {
	return Distance(a, b) <= radius
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
