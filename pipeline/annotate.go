package pipeline

import (
	"fmt"
	"image"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/video-tracking/tracker"
)

// annotate draws the boxes and "#ID label" of the given observations on a copy of img.
func annotate(img image.Image, obs []tracker.Observation) (image.Image, error) {
	if len(obs) == 0 {
		return img, nil
	}
	bounds := img.Bounds()
	dets := make([]objdet.Detection, 0, len(obs))
	for _, o := range obs {
		r := o.Box.Rect().Intersect(bounds)
		if r.Empty() {
			continue
		}
		dets = append(dets, objdet.NewDetection(r, o.Score, fmt.Sprintf("#%d %s", o.TrackID, o.Class)))
	}
	out, err := objdet.Overlay(img, dets)
	if err != nil {
		return nil, errors.Wrap(err, "cannot draw tracks")
	}
	return out, nil
}
