// Package object_tracker implements an object tracker as a Viam vision service.
// This file contains methods that handle the label (or name) of a detection.
// Labels are of the format classname_N where N is the ID of the track.
package object_tracker

import (
	"fmt"
	"strings"
	"time"

	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/video-tracking/tracker"
)

// GetTimestamp formats a time as YYYYMMDD_HHMMSS.
func GetTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// TrackLabel is the label given to the detections of a confirmed track.
func TrackLabel(class string, id int) string {
	return fmt.Sprintf("%s_%d", strings.ToLower(class), id)
}

// labelDetections turns the tracks seen in the last frame into detections named after them.
func labelDetections(obs []tracker.Observation) []objdet.Detection {
	out := make([]objdet.Detection, 0, len(obs))
	for _, o := range obs {
		out = append(out, objdet.NewDetection(o.Box.Rect(), o.Score, TrackLabel(o.Class, o.TrackID)))
	}
	return out
}

type trackedObject struct {
	FullLabel string
	Label     string
	Id        int
	Time      string
}

func newTrackedObject(o tracker.Observation, seen time.Time) trackedObject {
	return trackedObject{
		FullLabel: TrackLabel(o.Class, o.TrackID),
		Label:     strings.ToLower(o.Class),
		Id:        o.TrackID,
		Time:      GetTimestamp(seen),
	}
}
