package detector

import (
	"image"
	"math"
	"sort"

	"github.com/viam-modules/video-tracking/tracker"
)

// candidate is one decoded box before non maximum suppression.
type candidate struct {
	box   tracker.Box
	score float64
	class int
}

// decodeOutput reads a YOLOv8 style [1, 4+numClasses, numAnchors] output tensor. Boxes are
// given as center x, center y, width, height in model input pixels and are scaled back
// into absolute corners of the original frame.
func decodeOutput(output []float32, numClasses, numAnchors int, scaleX, scaleY, minScore float64, frame image.Rectangle) []candidate {
	if len(output) < (4+numClasses)*numAnchors {
		return nil
	}
	bounds := tracker.BoxFromRect(frame)
	out := make([]candidate, 0, 64)
	for idx := 0; idx < numAnchors; idx++ {
		classID, score := -1, -math.MaxFloat64
		for c := 0; c < numClasses; c++ {
			p := float64(output[numAnchors*(c+4)+idx])
			if p > score {
				score, classID = p, c
			}
		}
		if classID < 0 || math.IsNaN(score) || score < minScore {
			continue
		}
		xc, yc := float64(output[idx]), float64(output[numAnchors+idx])
		w, h := float64(output[2*numAnchors+idx]), float64(output[3*numAnchors+idx])
		b := tracker.Box{
			X1: (xc - w/2) * scaleX,
			Y1: (yc - h/2) * scaleY,
			X2: (xc + w/2) * scaleX,
			Y2: (yc + h/2) * scaleY,
		}
		if !b.Valid() {
			continue
		}
		b = clip(b, bounds)
		if !b.Valid() {
			continue
		}
		out = append(out, candidate{box: b, score: score, class: classID})
	}
	return out
}

// nonMaxSuppression keeps the best scoring box of each cluster of overlapping boxes of the
// same class. The result is ordered by decreasing score.
func nonMaxSuppression(cands []candidate, iouThreshold float64) []candidate {
	sorted := append([]candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })

	kept := make([]candidate, 0, len(sorted))
	for _, c := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.class == c.class && tracker.IOU(k.box, c.box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

// numAnchors returns the number of YOLOv8 prediction cells for a square input size.
func numAnchors(inputSize int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := inputSize / stride
		n += side * side
	}
	return n
}
