// Package tracker implements an online multi-object tracker.
// This file contains the bounding box geometry used for matching.
package tracker

import (
	"image"
	"math"
)

// Box is an axis aligned bounding box in absolute pixel corners.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// BoxFromRect converts an image.Rectangle into a Box.
func BoxFromRect(r image.Rectangle) Box {
	return Box{float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y)}
}

// BoxFromCenter builds a box from its center and size.
func BoxFromCenter(cx, cy, w, h float64) Box {
	return Box{cx - w/2, cy - h/2, cx + w/2, cy + h/2}
}

// Rect truncates the box into an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Width of the box.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height of the box.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Center returns the center point of the box.
func (b Box) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Area returns the area of the box, zero for degenerate boxes.
func (b Box) Area() float64 {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return 0
	}
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Valid reports whether every corner is finite and the box has positive area.
func (b Box) Valid() bool {
	for _, v := range [4]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// Ints returns the corners truncated to integers, as written in the detection log.
func (b Box) Ints() [4]int {
	return [4]int{int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)}
}

// IOU returns the intersection over union of 2 boxes
func IOU(a, b Box) float64 {
	ix1, iy1 := math.Max(a.X1, b.X1), math.Max(a.Y1, b.Y1)
	ix2, iy2 := math.Min(a.X2, b.X2), math.Min(a.Y2, b.Y2)
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
