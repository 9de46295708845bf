// Package detector adapts black-box object detectors to the tracker. Any detector with the
// vision service Detections method can be plugged in: a Viam vision service, the bundled
// ONNX YOLO detector or a fake in tests.
package detector

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/video-tracking/tracker"
)

// DefaultMinConfidence is the global score threshold applied before tracking.
var DefaultMinConfidence = 0.25

// Detector produces detections for one frame.
type Detector interface {
	Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error)
}

// DetectionError reports that the detector failed on one frame.
type DetectionError struct {
	Frame int
	Err   error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection failed on frame %d: %v", e.Frame, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// Adapter normalizes detector output into tracker detections.
type Adapter struct {
	detector      Detector
	logger        logging.Logger
	chosenLabels  map[string]float64
	minConfidence float64
}

// NewAdapter wraps a detector. chosenLabels may be empty to keep every label.
func NewAdapter(det Detector, chosenLabels map[string]float64, minConfidence float64, logger logging.Logger) *Adapter {
	return &Adapter{
		detector:      det,
		logger:        logger,
		chosenLabels:  chosenLabels,
		minConfidence: minConfidence,
	}
}

// Detect runs the detector on a frame and returns the valid detections in absolute pixel
// corners, clipped to the frame. Malformed detections are dropped here so they never
// reach the tracker.
func (a *Adapter) Detect(ctx context.Context, frame int, img image.Image) ([]tracker.Detection, error) {
	if img == nil {
		return nil, &DetectionError{Frame: frame, Err: errors.New("nil image")}
	}
	raw, err := a.detector.Detections(ctx, img, nil)
	if err != nil {
		return nil, &DetectionError{Frame: frame, Err: err}
	}

	nonNil := make([]objdet.Detection, 0, len(raw))
	for _, d := range raw {
		if d != nil && d.BoundingBox() != nil {
			nonNil = append(nonNil, d)
		}
	}
	discarded := len(raw) - len(nonNil)

	filtered := FilterDetections(a.chosenLabels, nonNil, a.minConfidence)
	bounds := tracker.BoxFromRect(img.Bounds())
	out := make([]tracker.Detection, 0, len(filtered))
	for _, d := range filtered {
		td, ok := normalize(d, bounds, frame)
		if !ok {
			discarded++
			continue
		}
		out = append(out, td)
	}
	if discarded > 0 && a.logger != nil {
		a.logger.Debugf("frame %d: discarded %d malformed detections", frame, discarded)
	}
	return out, nil
}

// normalize validates one detection and clips it to the frame bounds.
func normalize(d objdet.Detection, bounds tracker.Box, frame int) (tracker.Detection, bool) {
	score := d.Score()
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > 1 {
		return tracker.Detection{}, false
	}
	if d.Label() == "" {
		return tracker.Detection{}, false
	}
	r := *d.BoundingBox()
	if r.Min.X > r.Max.X || r.Min.Y > r.Max.Y || r.Min.X < 0 || r.Min.Y < 0 {
		return tracker.Detection{}, false
	}
	b := clip(tracker.BoxFromRect(r), bounds)
	if !b.Valid() {
		return tracker.Detection{}, false
	}
	return tracker.Detection{Box: b, Label: d.Label(), Score: score, Frame: frame}, true
}

func clip(b, bounds tracker.Box) tracker.Box {
	return tracker.Box{
		X1: math.Max(b.X1, bounds.X1),
		Y1: math.Max(b.Y1, bounds.Y1),
		X2: math.Min(b.X2, bounds.X2),
		Y2: math.Min(b.Y2, bounds.Y2),
	}
}
