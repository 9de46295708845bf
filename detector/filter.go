// Package detector adapts black-box object detectors to the tracker.
// This file contains methods that are useful for filtering out detections.
package detector

import (
	"strings"

	objdet "go.viam.com/rdk/vision/objectdetection"
)

// NewAdvancedFilter returns a Detections->Detections filtering method to remove
// detections that do not have a class name in chosenLabels and/or do not have the
// associated minimum confidence. An empty input map will return all detections.
// Input chosenLabels is the map with <"class_name": confidence> key-value pairs.
func NewAdvancedFilter(chosenLabels map[string]float64) objdet.Postprocessor {
	return func(detections []objdet.Detection) []objdet.Detection {
		if len(chosenLabels) < 1 {
			return detections
		}
		out := make([]objdet.Detection, 0, len(detections))
		for _, d := range detections {
			minConf, ok := chosenLabels[strings.ToLower(d.Label())]
			if ok && d.Score() > minConf {
				out = append(out, d)
			}
		}
		return out
	}
}

// FilterDetections applies the per label filter and then the global score threshold.
func FilterDetections(chosenLabels map[string]float64, dets []objdet.Detection, conf float64) []objdet.Detection {
	firstPass := NewAdvancedFilter(chosenLabels)(dets)
	return objdet.NewScoreFilter(conf)(firstPass)
}
