package pipeline

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/viam-modules/video-tracking/tracker"
)

// FrameRecord is one entry of the detection log: a confirmed track seen in a frame.
type FrameRecord struct {
	FrameNumber int    `json:"frame_number"`
	TrackerID   int    `json:"tracker_id"`
	Class       string `json:"class"`
	BoundingBox [4]int `json:"bounding_box"`
}

func newFrameRecord(o tracker.Observation) FrameRecord {
	return FrameRecord{
		FrameNumber: o.Frame,
		TrackerID:   o.TrackID,
		Class:       o.Class,
		BoundingBox: o.Box.Ints(),
	}
}

// Result holds the artifacts of a finished run.
type Result struct {
	Records []FrameRecord
	// JSON is Records encoded with 4 space indentation.
	JSON            []byte
	SamplePaths     []string
	VideoPath       string
	FramesProcessed int
	// Partial is set when the run was cancelled before the end of the video.
	Partial bool
}

func newResult(records []FrameRecord, samples []string, videoPath string, frames int, partial bool) (*Result, error) {
	sorted := make([]FrameRecord, len(records))
	copy(sorted, records)
	// records released on confirmation arrive after later frames of other tracks
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].FrameNumber != sorted[j].FrameNumber {
			return sorted[i].FrameNumber < sorted[j].FrameNumber
		}
		return sorted[i].TrackerID < sorted[j].TrackerID
	})
	data, err := json.MarshalIndent(sorted, "", "    ")
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode detection log")
	}
	return &Result{
		Records:         sorted,
		JSON:            data,
		SamplePaths:     append([]string{}, samples...),
		VideoPath:       videoPath,
		FramesProcessed: frames,
		Partial:         partial,
	}, nil
}

// WriteJSON saves the detection log.
func (r *Result) WriteJSON(path string) error {
	if err := os.WriteFile(path, r.JSON, 0o644); err != nil {
		return errors.Wrapf(err, "cannot write detection log %q", path)
	}
	return nil
}
