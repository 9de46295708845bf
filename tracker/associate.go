package tracker

import (
	hg "github.com/charles-haynes/munkres"
	"github.com/pkg/errors"
)

// Match pairs a track index with a detection index.
type Match struct {
	Track     int
	Detection int
	Cost      float64
}

// Assignment is the result of one association step. The three sets are disjoint and
// every index appears in exactly one of them.
type Assignment struct {
	Matches             []Match
	UnmatchedTracks     []int
	UnmatchedDetections []int
}

// Cost returns the matching cost between a predicted track box and a detection:
// 1 - IOU, plus penalty when the labels differ.
func Cost(predicted Box, predictedLabel string, det Box, detLabel string, penalty float64) float64 {
	cost := 1 - IOU(predicted, det)
	if predictedLabel != detLabel {
		cost += penalty
	}
	return cost
}

// BuildMatchingMatrix sets up a cost matrix for the Hungarian algorithm.
// Rows are the predicted track boxes, columns the detections of the current frame.
func BuildMatchingMatrix(predicted []Box, labels []string, dets []Detection, penalty float64) [][]float64 {
	matchMtx := make([][]float64, len(predicted))
	for i, pred := range predicted {
		row := make([]float64, len(dets))
		for j, d := range dets {
			row[j] = Cost(pred, labels[i], d.Box, d.Label, penalty)
		}
		matchMtx[i] = row
	}
	return matchMtx
}

// Associate solves the minimum cost one to one assignment between predicted track boxes
// and detections. Pairs whose cost is above gate are reported as unmatched.
func Associate(predicted []Box, labels []string, dets []Detection, gate, penalty float64) (Assignment, error) {
	if len(predicted) != len(labels) {
		return Assignment{}, errors.Errorf("got %d predicted boxes but %d labels", len(predicted), len(labels))
	}
	if len(predicted) == 0 || len(dets) == 0 {
		return Assignment{
			UnmatchedTracks:     indices(len(predicted)),
			UnmatchedDetections: indices(len(dets)),
		}, nil
	}

	matchMtx := BuildMatchingMatrix(predicted, labels, dets, penalty)
	// the solver works on its own copy so the costs can be read back afterwards
	HA, err := hg.NewHungarianAlgorithm(cloneMatrix(matchMtx))
	if err != nil {
		return Assignment{}, errors.Wrap(err, "cannot build assignment problem")
	}
	matches := HA.Execute()

	var out Assignment
	usedDets := make([]bool, len(dets))
	for trackIdx := range predicted {
		detIdx := -1
		if trackIdx < len(matches) {
			detIdx = matches[trackIdx]
		}
		if detIdx < 0 || detIdx >= len(dets) || usedDets[detIdx] {
			out.UnmatchedTracks = append(out.UnmatchedTracks, trackIdx)
			continue
		}
		cost := matchMtx[trackIdx][detIdx]
		if cost > gate {
			out.UnmatchedTracks = append(out.UnmatchedTracks, trackIdx)
			continue
		}
		usedDets[detIdx] = true
		out.Matches = append(out.Matches, Match{Track: trackIdx, Detection: detIdx, Cost: cost})
	}
	for detIdx, used := range usedDets {
		if !used {
			out.UnmatchedDetections = append(out.UnmatchedDetections, detIdx)
		}
	}
	return out, nil
}

func indices(n int) []int {
	if n == 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func cloneMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
