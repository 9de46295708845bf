// Package pipeline drives a video through the detector and the tracker one frame at a time.
// A Session is a pull based iterator: every call to Next processes one frame and reports
// progress, the last call carries the detection log and the artifact paths.
package pipeline

import (
	"context"
	"image"
	"io"
	"iter"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/video-tracking/detector"
	"github.com/viam-modules/video-tracking/tracker"
)

// Source yields decoded frames in order. Next returns io.EOF after the last frame.
// TotalFrames may be 0 or negative when the length is unknown.
type Source interface {
	Next(ctx context.Context) (image.Image, error)
	TotalFrames() int
}

// Sink receives the annotated frames.
type Sink interface {
	Write(img image.Image) error
	Close() error
}

// Update is one progress snapshot. Frame is the annotated frame for running updates, Result
// is set only on the terminal update, when Done is true.
type Update struct {
	Progress   int
	ETASeconds int
	Frame      image.Image
	Done       bool
	Result     *Result
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the wall clock used for the ETA.
func WithClock(clk clock.Clock) Option {
	return func(s *Session) { s.clock = clk }
}

// Session processes a single video. It is not safe for concurrent use and cannot be restarted.
type Session struct {
	cfg    *Config
	logger logging.Logger
	clock  clock.Clock

	src      Source
	sink     Sink
	adapter  *detector.Adapter
	tracker  *tracker.Tracker
	progress *progress
	samples  *sampler

	records      []FrameRecord
	frame        int
	lastProgress int
	failedFrames int
	done         bool
	sinkClosed   bool
	err          error
}

// New validates the config and sets up a session. Nothing is read from the source yet.
func New(cfg *Config, src Source, sink Sink, det detector.Detector, logger logging.Logger, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "missing config")
	}
	if src == nil || sink == nil || det == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "a frame source, a frame sink and a detector are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	trk, err := tracker.New(cfg.TrackerConfig())
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	s := &Session{
		cfg:     cfg,
		logger:  logger,
		clock:   clock.New(),
		src:     src,
		sink:    sink,
		adapter: detector.NewAdapter(det, cfg.ChosenLabels, cfg.Confidence(), logger),
		tracker: trk,
		records: []FrameRecord{},
	}
	for _, opt := range opts {
		opt(s)
	}
	total := src.TotalFrames()
	s.progress = newProgress(s.clock, total)
	s.samples = newSampler(cfg.SamplesDir, cfg.Samples(), total)
	if total <= 0 {
		logger.Infof("processing video of unknown length")
	} else {
		logger.Infof("processing %d frames, saving a sample every %d frames", total, s.samples.interval)
	}
	return s, nil
}

// Next processes the next frame. After the last frame it returns the terminal update, then
// io.EOF. A cancelled context ends the run with a partial result. Errors writing output
// are fatal and returned again on every later call.
func (s *Session) Next(ctx context.Context) (Update, error) {
	if s.err != nil {
		return Update{}, s.err
	}
	if s.done {
		return Update{}, io.EOF
	}
	if ctx.Err() != nil {
		return s.finish(true)
	}

	img, err := s.src.Next(ctx)
	if errors.Is(err, io.EOF) {
		return s.finish(false)
	}
	if err != nil {
		if ctx.Err() != nil {
			return s.finish(true)
		}
		return Update{}, s.fail(errors.Wrapf(err, "cannot read frame %d", s.frame))
	}
	frame := s.frame

	dets, err := s.adapter.Detect(ctx, frame, img)
	if err != nil {
		s.failedFrames++
		s.logger.Warnf("%v, continuing with no detections", err)
		dets = nil
	}
	step, err := s.tracker.Update(frame, dets)
	if err != nil {
		return Update{}, s.fail(err)
	}

	annotated, err := annotate(img, step.Visible)
	if err != nil {
		s.logger.Warnf("frame %d: %v", frame, err)
		annotated = img
	}
	if err := s.sink.Write(annotated); err != nil {
		return Update{}, s.fail(errors.Wrapf(err, "cannot write frame %d", frame))
	}
	if err := s.samples.maybeSave(frame, annotated); err != nil {
		return Update{}, s.fail(err)
	}

	for _, o := range step.Released {
		s.records = append(s.records, newFrameRecord(o))
	}
	for _, o := range step.Visible {
		s.records = append(s.records, newFrameRecord(o))
	}
	for _, id := range step.Confirmed {
		s.logger.Debugf("frame %d: confirmed track %d", frame, id)
	}

	s.frame++
	pct, eta := s.progress.advance()
	s.lastProgress = pct
	return Update{Progress: pct, ETASeconds: eta, Frame: annotated}, nil
}

// All ranges over the updates until the terminal one or the first error.
func (s *Session) All(ctx context.Context) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		for {
			u, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(u, err) || err != nil || u.Done {
				return
			}
		}
	}
}

// Close releases the sink of a session abandoned before its terminal update.
func (s *Session) Close() error {
	if s.sinkClosed {
		return nil
	}
	s.sinkClosed = true
	return s.sink.Close()
}

func (s *Session) finish(partial bool) (Update, error) {
	if err := s.Close(); err != nil {
		return Update{}, s.fail(errors.Wrap(err, "cannot finish output video"))
	}
	res, err := newResult(s.records, s.samples.paths, s.cfg.OutputVideoPath, s.frame, partial)
	if err != nil {
		return Update{}, s.fail(err)
	}
	s.done = true

	pct := 100
	if partial {
		pct = s.lastProgress
		s.logger.Infof("cancelled after %d frames", s.frame)
	}
	stats := s.tracker.Stats()
	s.logger.Infof("processed %d frames in %v: %d tracks confirmed, %d records, %d detector failures",
		s.frame, s.progress.elapsed(), stats.Confirmed, len(res.Records), s.failedFrames)
	return Update{Progress: pct, Done: true, Result: res}, nil
}

func (s *Session) fail(err error) error {
	s.err = err
	if !s.sinkClosed {
		s.sinkClosed = true
		if cerr := s.sink.Close(); cerr != nil {
			s.logger.Warnf("cannot close output after failure: %v", cerr)
		}
	}
	return err
}
