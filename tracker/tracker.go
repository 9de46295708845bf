// Package tracker implements an online multi-object tracker. Each frame the live tracks
// predict their box, are associated to the new detections with the Hungarian method and
// then move through the Tentative, Confirmed, Lost and Removed states.
package tracker

import (
	"sort"

	"github.com/pkg/errors"
)

var (
	// DefaultCostGate rejects matches with an IOU below 0.3.
	DefaultCostGate = 0.7
	// DefaultClassMismatchPenalty is added to the cost of a cross class match.
	DefaultClassMismatchPenalty = 0.5
	// DefaultConfirmFrames is the number of consecutive matched frames, birth included,
	// before a tentative track is confirmed.
	DefaultConfirmFrames = 3
	// DefaultLostGraceFrames is how long a lost track may stay unmatched before removal.
	DefaultLostGraceFrames = 30
)

// Config holds the tracker tunables.
type Config struct {
	CostGate             float64
	ClassMismatchPenalty float64
	ConfirmFrames        int
	LostGraceFrames      int
	// BackfillTentative releases the matched detections of a tentative track when it is
	// confirmed, so the first frames of an object are reported too.
	BackfillTentative bool
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		CostGate:             DefaultCostGate,
		ClassMismatchPenalty: DefaultClassMismatchPenalty,
		ConfirmFrames:        DefaultConfirmFrames,
		LostGraceFrames:      DefaultLostGraceFrames,
		BackfillTentative:    true,
	}
}

// Validate checks the tunables.
func (c Config) Validate() error {
	if c.CostGate <= 0 || c.CostGate > 2 {
		return errors.Errorf("cost gate must be in (0, 2], got %v", c.CostGate)
	}
	if c.ClassMismatchPenalty < 0 {
		return errors.New("class mismatch penalty cannot be less than 0")
	}
	if c.ConfirmFrames < 0 {
		return errors.New("confirm frames cannot be less than 0")
	}
	if c.LostGraceFrames < 0 {
		return errors.New("lost grace frames cannot be less than 0")
	}
	return nil
}

// Step is what happened to the tracks in one frame.
type Step struct {
	Frame int
	// Visible holds the confirmed tracks matched in this frame, ordered by ID.
	Visible []Observation
	// Released holds tentative history of tracks confirmed in this frame, in frame order.
	Released []Observation
	// Confirmed holds the IDs given out in this frame.
	Confirmed []int
	// Removed holds the IDs of confirmed tracks dropped in this frame.
	Removed []int
	// Assignment is the raw association result against the live tracks.
	Assignment Assignment
}

// Stats counts track lifecycle events since the last reset.
type Stats struct {
	Born      int
	Confirmed int
	Removed   int
	Frames    int
}

// TrackInfo is a read only snapshot of a live track.
type TrackInfo struct {
	ID        int
	Status    Status
	Class     string
	Predicted Box
	Estimate  Box
	Hits      int
	Misses    int
}

// Tracker owns the set of live tracks. It is not safe for concurrent use.
type Tracker struct {
	cfg       Config
	tracks    []*Track
	lastID    int
	lastFrame int
	started   bool
	stats     Stats
}

// New returns a tracker with the given configuration.
func New(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tracker config")
	}
	return &Tracker{cfg: cfg}, nil
}

// Config returns the tracker configuration.
func (t *Tracker) Config() Config { return t.cfg }

// Reset drops every track. IDs keep increasing so they are never reused.
func (t *Tracker) Reset() {
	t.tracks = nil
	t.started = false
	t.stats = Stats{}
}

// Stats returns the lifecycle counters.
func (t *Tracker) Stats() Stats { return t.stats }

// Live returns a snapshot of the live tracks.
func (t *Tracker) Live() []TrackInfo {
	out := make([]TrackInfo, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, TrackInfo{
			ID:        tr.id,
			Status:    tr.status,
			Class:     tr.class,
			Predicted: tr.predicted,
			Estimate:  tr.Estimate(),
			Hits:      tr.hits,
			Misses:    tr.misses,
		})
	}
	return out
}

// Update runs one frame of tracking. Frames must be given in increasing order.
// The order of the steps matters: tracks are predicted, associated, updated when
// matched, aged when not and only then are new tracks spawned from the leftovers.
func (t *Tracker) Update(frame int, dets []Detection) (Step, error) {
	if t.started && frame <= t.lastFrame {
		return Step{}, errors.Errorf("frame %d is not after frame %d", frame, t.lastFrame)
	}
	t.started = true
	t.lastFrame = frame
	t.stats.Frames++
	step := Step{Frame: frame}

	// 1. predict
	predicted := make([]Box, len(t.tracks))
	labels := make([]string, len(t.tracks))
	for i, tr := range t.tracks {
		predicted[i] = tr.predict()
		labels[i] = tr.class
	}

	// 2. associate
	assignment, err := Associate(predicted, labels, dets, t.cfg.CostGate, t.cfg.ClassMismatchPenalty)
	if err != nil {
		return Step{}, errors.Wrapf(err, "cannot associate frame %d", frame)
	}
	step.Assignment = assignment

	// 3. matched tracks
	for _, m := range assignment.Matches {
		det := dets[m.Detection]
		det.Frame = frame
		if err := t.match(t.tracks[m.Track], det, &step); err != nil {
			return Step{}, errors.Wrapf(err, "cannot update track at frame %d", frame)
		}
	}

	// 4. unmatched tracks
	for _, idx := range assignment.UnmatchedTracks {
		t.miss(t.tracks[idx], &step)
	}

	// 5. new tracks
	for _, idx := range assignment.UnmatchedDetections {
		det := dets[idx]
		det.Frame = frame
		t.spawn(det, &step)
	}

	live := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.status != Removed {
			live = append(live, tr)
		}
	}
	for i := len(live); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = live

	sort.Slice(step.Visible, func(i, j int) bool { return step.Visible[i].TrackID < step.Visible[j].TrackID })
	sort.SliceStable(step.Released, func(i, j int) bool {
		if step.Released[i].Frame != step.Released[j].Frame {
			return step.Released[i].Frame < step.Released[j].Frame
		}
		return step.Released[i].TrackID < step.Released[j].TrackID
	})
	return step, nil
}

func (t *Tracker) match(tr *Track, det Detection, step *Step) error {
	if err := tr.motion.update(det.Box); err != nil {
		return err
	}
	tr.vote(det.Label)
	tr.hits++
	tr.misses = 0

	switch tr.status {
	case Tentative:
		if tr.hits >= t.cfg.ConfirmFrames {
			t.confirm(tr, step)
		} else if t.cfg.BackfillTentative {
			tr.pending = append(tr.pending, det)
		}
	case Lost:
		tr.status = Confirmed
	}
	if tr.status == Confirmed {
		step.Visible = append(step.Visible, tr.observation(det))
	}
	return nil
}

func (t *Tracker) miss(tr *Track, step *Step) {
	tr.hits = 0
	tr.misses++
	switch tr.status {
	case Tentative:
		tr.status = Removed
		tr.pending = nil
	case Confirmed:
		tr.status = Lost
		if tr.misses > t.cfg.LostGraceFrames {
			t.remove(tr, step)
		}
	case Lost:
		if tr.misses > t.cfg.LostGraceFrames {
			t.remove(tr, step)
		}
	}
}

func (t *Tracker) spawn(det Detection, step *Step) {
	tr := newTrack(det)
	t.stats.Born++
	t.tracks = append(t.tracks, tr)
	if tr.hits >= t.cfg.ConfirmFrames {
		t.confirm(tr, step)
		step.Visible = append(step.Visible, tr.observation(det))
		return
	}
	if t.cfg.BackfillTentative {
		tr.pending = append(tr.pending, det)
	}
}

// confirm gives the track its identity and releases the tentative history.
func (t *Tracker) confirm(tr *Track, step *Step) {
	t.lastID++
	tr.id = t.lastID
	tr.status = Confirmed
	t.stats.Confirmed++
	step.Confirmed = append(step.Confirmed, tr.id)
	for _, det := range tr.pending {
		step.Released = append(step.Released, tr.observation(det))
	}
	tr.pending = nil
}

func (t *Tracker) remove(tr *Track, step *Step) {
	tr.status = Removed
	t.stats.Removed++
	step.Removed = append(step.Removed, tr.id)
}
