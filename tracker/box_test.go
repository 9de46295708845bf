package tracker

import (
	"image"
	"math"
	"testing"

	"go.viam.com/test"
)

func TestIOU(t *testing.T) {
	b := Box{10, 10, 30, 30}
	test.That(t, IOU(b, b), test.ShouldEqual, 1.0)
	test.That(t, Cost(b, "car", b, "car", 0.5), test.ShouldEqual, 0.0)

	disjoint := Box{40, 40, 50, 50}
	test.That(t, IOU(b, disjoint), test.ShouldEqual, 0.0)
	test.That(t, Cost(b, "car", disjoint, "car", 0.5), test.ShouldEqual, 1.0)
	test.That(t, Cost(b, "car", disjoint, "person", 0.5), test.ShouldEqual, 1.5)

	// touching edges do not overlap
	test.That(t, IOU(b, Box{30, 10, 50, 30}), test.ShouldEqual, 0.0)

	half := Box{20, 10, 40, 30}
	test.That(t, IOU(b, half), test.ShouldAlmostEqual, 200.0/600.0)
	test.That(t, IOU(half, b), test.ShouldAlmostEqual, IOU(b, half))
}

func TestBoxConversions(t *testing.T) {
	r := image.Rect(3, 4, 13, 24)
	b := BoxFromRect(r)
	test.That(t, b.Rect(), test.ShouldResemble, r)
	test.That(t, b.Width(), test.ShouldEqual, 10.0)
	test.That(t, b.Height(), test.ShouldEqual, 20.0)
	cx, cy := b.Center()
	test.That(t, cx, test.ShouldEqual, 8.0)
	test.That(t, cy, test.ShouldEqual, 14.0)
	test.That(t, BoxFromCenter(cx, cy, 10, 20), test.ShouldResemble, b)
	test.That(t, Box{1.9, 2.2, 10.7, 11.1}.Ints(), test.ShouldResemble, [4]int{1, 2, 10, 11})
}

func TestBoxValid(t *testing.T) {
	test.That(t, Box{0, 0, 1, 1}.Valid(), test.ShouldBeTrue)
	test.That(t, Box{5, 5, 1, 1}.Valid(), test.ShouldBeFalse)
	test.That(t, Box{0, 0, 0, 10}.Valid(), test.ShouldBeFalse)
	test.That(t, Box{math.NaN(), 0, 1, 1}.Valid(), test.ShouldBeFalse)
	test.That(t, Box{0, 0, math.Inf(1), 1}.Valid(), test.ShouldBeFalse)
	test.That(t, Box{5, 5, 1, 1}.Area(), test.ShouldEqual, 0.0)
}
