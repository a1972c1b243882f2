// Package viewport computes element visibility the way a browser
// intersection observer does, from geometry reported by the host.
package viewport

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Rect is an axis-aligned rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) right() float64  { return r.X + r.Width }
func (r Rect) bottom() float64 { return r.Y + r.Height }

// Length is a margin component in pixels or percent of the root size.
type Length struct {
	Value   float64
	Percent bool
}

func (l Length) resolve(base float64) float64 {
	if l.Percent {
		return base * l.Value / 100
	}
	return l.Value
}

func (l Length) String() string {
	if l.Percent {
		return strconv.FormatFloat(l.Value, 'f', -1, 64) + "%"
	}
	return strconv.FormatFloat(l.Value, 'f', -1, 64) + "px"
}

// Margin grows (or, when negative, shrinks) the root before intersecting.
type Margin struct {
	Top, Right, Bottom, Left Length
}

func (m Margin) String() string {
	return strings.Join([]string{m.Top.String(), m.Right.String(), m.Bottom.String(), m.Left.String()}, " ")
}

// ParseRootMargin parses CSS margin shorthand with one to four components.
// Each component is a pixel length, a percentage or a bare zero.
func ParseRootMargin(s string) (Margin, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Margin{}, nil
	}
	if len(fields) > 4 {
		return Margin{}, fmt.Errorf("root margin %q: too many components", s)
	}

	parts := make([]Length, len(fields))
	for i, f := range fields {
		l, err := parseLength(f)
		if err != nil {
			return Margin{}, fmt.Errorf("root margin %q: %w", s, err)
		}
		parts[i] = l
	}

	switch len(parts) {
	case 1:
		return Margin{parts[0], parts[0], parts[0], parts[0]}, nil
	case 2:
		return Margin{parts[0], parts[1], parts[0], parts[1]}, nil
	case 3:
		return Margin{parts[0], parts[1], parts[2], parts[1]}, nil
	default:
		return Margin{parts[0], parts[1], parts[2], parts[3]}, nil
	}
}

func parseLength(s string) (Length, error) {
	var (
		num     string
		percent bool
	)
	switch {
	case strings.HasSuffix(s, "px"):
		num = strings.TrimSuffix(s, "px")
	case strings.HasSuffix(s, "%"):
		num = strings.TrimSuffix(s, "%")
		percent = true
	case s == "0":
		num = s
	default:
		return Length{}, fmt.Errorf("component %q must be in pixels or percent", s)
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return Length{}, fmt.Errorf("component %q is not a number", s)
	}
	return Length{Value: v, Percent: percent}, nil
}

// Expand applies m to root. Horizontal percentages resolve against the root
// width and vertical ones against its height.
func (m Margin) Expand(root Rect) Rect {
	top := m.Top.resolve(root.Height)
	bottom := m.Bottom.resolve(root.Height)
	left := m.Left.resolve(root.Width)
	right := m.Right.resolve(root.Width)

	return Rect{
		X:      root.X - left,
		Y:      root.Y - top,
		Width:  math.Max(0, root.Width+left+right),
		Height: math.Max(0, root.Height+top+bottom),
	}
}

// IntersectionRatio returns the visible fraction of target inside root. A
// zero-area target counts as fully visible when it touches root.
func IntersectionRatio(target, root Rect) float64 {
	x0 := math.Max(target.X, root.X)
	y0 := math.Max(target.Y, root.Y)
	x1 := math.Min(target.right(), root.right())
	y1 := math.Min(target.bottom(), root.bottom())

	if x1 < x0 || y1 < y0 {
		return 0
	}

	area := target.Width * target.Height
	if area <= 0 {
		return 1
	}
	return math.Min(1, (x1-x0)*(y1-y0)/area)
}
