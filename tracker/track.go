package tracker

import "sort"

// Status is the lifecycle state of a track.
type Status int

// Track lifecycle states.
const (
	Tentative Status = iota
	Confirmed
	Lost
	Removed
)

func (s Status) String() string {
	switch s {
	case Tentative:
		return "tentative"
	case Confirmed:
		return "confirmed"
	case Lost:
		return "lost"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Detection is one observation of an object in one frame.
type Detection struct {
	Box   Box
	Label string
	Score float64
	Frame int
}

// Observation is a confirmed track seen (or released from its tentative history) in a frame.
type Observation struct {
	Frame   int
	TrackID int
	Class   string
	Box     Box
	Score   float64
}

// Track is an object identity persisted across frames. The zero ID means the track
// is still tentative and has not been given an identity yet.
type Track struct {
	id     int
	status Status

	class  string
	votes  map[string]int
	motion *motion

	predicted Box
	hits      int
	misses    int
	age       int

	// matched detections held while tentative
	pending []Detection
}

func newTrack(det Detection) *Track {
	tr := &Track{
		status:    Tentative,
		class:     det.Label,
		votes:     map[string]int{det.Label: 1},
		motion:    newMotion(det.Box),
		predicted: det.Box,
		hits:      1,
		age:       1,
	}
	return tr
}

// ID returns the track identity, zero while tentative.
func (tr *Track) ID() int { return tr.id }

// Status returns the lifecycle state of the track.
func (tr *Track) Status() Status { return tr.status }

// Class returns the current majority class label of the track.
func (tr *Track) Class() string { return tr.class }

// Predicted returns the box the track expects in the current frame.
func (tr *Track) Predicted() Box { return tr.predicted }

// Estimate returns the filtered state estimate of the track.
func (tr *Track) Estimate() Box { return tr.motion.box() }

// Velocity returns the estimated center velocity in pixels per frame.
func (tr *Track) Velocity() (float64, float64) { return tr.motion.velocity() }

// Hits returns the number of consecutive matched frames.
func (tr *Track) Hits() int { return tr.hits }

// Misses returns the number of consecutive unmatched frames.
func (tr *Track) Misses() int { return tr.misses }

// Age returns the number of frames since the track was born.
func (tr *Track) Age() int { return tr.age }

func (tr *Track) predict() Box {
	tr.predicted = tr.motion.predict()
	tr.age++
	return tr.predicted
}

// vote counts a detection label and moves the class to the majority label.
// Ties keep the current class so the label stays sticky.
func (tr *Track) vote(label string) {
	tr.votes[label]++
	best, bestCount := tr.class, tr.votes[tr.class]
	labels := make([]string, 0, len(tr.votes))
	for l := range tr.votes {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		if tr.votes[l] > bestCount {
			best, bestCount = l, tr.votes[l]
		}
	}
	tr.class = best
}

func (tr *Track) observation(det Detection) Observation {
	return Observation{
		Frame:   det.Frame,
		TrackID: tr.id,
		Class:   tr.class,
		Box:     det.Box,
		Score:   det.Score,
	}
}
