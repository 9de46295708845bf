package pipeline

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/test"
)

const labelCar = "car"

type fakeSource struct {
	frames int
	total  int
	next   int
}

func (fs *fakeSource) Next(ctx context.Context) (image.Image, error) {
	if fs.next >= fs.frames {
		return nil, io.EOF
	}
	fs.next++
	return image.NewRGBA(image.Rect(0, 0, 320, 240)), nil
}

func (fs *fakeSource) TotalFrames() int { return fs.total }

type fakeSink struct {
	writes int
	closed int
	failAt int
}

func (fs *fakeSink) Write(img image.Image) error {
	if fs.failAt > 0 && fs.writes == fs.failAt {
		return errors.New("disk full")
	}
	fs.writes++
	return nil
}

func (fs *fakeSink) Close() error {
	fs.closed++
	return nil
}

// FakeDetector replays canned detections, one slice per frame, and advances the mock
// clock by one second per frame.
type FakeDetector struct {
	it    int
	res   [][]objdet.Detection
	errAt map[int]bool
	clock *clock.Mock
}

func (fd *FakeDetector) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	fd.it++
	if fd.clock != nil {
		fd.clock.Add(time.Second)
	}
	if fd.errAt[fd.it-1] {
		return nil, errors.New("inference failed")
	}
	if fd.it > len(fd.res) {
		return nil, nil
	}
	return fd.res[fd.it-1], nil
}

// movingRect is a 100x100 box moving 5px right and 2px down per frame.
func movingRect(frame int) image.Rectangle {
	x, y := 50+5*frame, 40+2*frame
	return image.Rect(x, y, x+100, y+100)
}

func linearMotion(frames int, dropped ...int) [][]objdet.Detection {
	skip := map[int]bool{}
	for _, f := range dropped {
		skip[f] = true
	}
	out := make([][]objdet.Detection, frames)
	for i := range out {
		if skip[i] {
			continue
		}
		out[i] = []objdet.Detection{objdet.NewDetection(movingRect(i), 0.9, labelCar)}
	}
	return out
}

func intPtr(v int) *int { return &v }

func newSession(t *testing.T, cfg *Config, src Source, sink Sink, det *FakeDetector) *Session {
	t.Helper()
	mock := clock.NewMock()
	det.clock = mock
	s, err := New(cfg, src, sink, det, logging.NewTestLogger(t), WithClock(mock))
	test.That(t, err, test.ShouldBeNil)
	return s
}

// drain pulls every update and checks that the terminal one comes once, last.
func drain(t *testing.T, s *Session) ([]Update, *Result) {
	t.Helper()
	var updates []Update
	var res *Result
	for u, err := range s.All(context.Background()) {
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res, test.ShouldBeNil)
		updates = append(updates, u)
		if u.Done {
			res = u.Result
		}
	}
	test.That(t, res, test.ShouldNotBeNil)
	_, err := s.Next(context.Background())
	test.That(t, errors.Is(err, io.EOF), test.ShouldBeTrue)
	return updates, res
}

func TestLinearMotion(t *testing.T) {
	cfg := &Config{NumSamples: intPtr(0), OutputVideoPath: "out.mp4"}
	sink := &fakeSink{}
	s := newSession(t, cfg, &fakeSource{frames: 10, total: 10}, sink, &FakeDetector{res: linearMotion(10)})
	updates, res := drain(t, s)

	test.That(t, updates, test.ShouldHaveLength, 11)
	for i, u := range updates[:10] {
		test.That(t, u.Done, test.ShouldBeFalse)
		test.That(t, u.Frame, test.ShouldNotBeNil)
		test.That(t, u.Progress, test.ShouldEqual, (i+1)*10)
		test.That(t, u.ETASeconds, test.ShouldEqual, 9-i)
	}
	final := updates[10]
	test.That(t, final.Done, test.ShouldBeTrue)
	test.That(t, final.Progress, test.ShouldEqual, 100)
	test.That(t, final.Frame, test.ShouldBeNil)

	test.That(t, res.Partial, test.ShouldBeFalse)
	test.That(t, res.FramesProcessed, test.ShouldEqual, 10)
	test.That(t, res.VideoPath, test.ShouldEqual, "out.mp4")
	test.That(t, res.SamplePaths, test.ShouldBeEmpty)
	test.That(t, res.Records, test.ShouldHaveLength, 10)
	for i, r := range res.Records {
		test.That(t, r.FrameNumber, test.ShouldEqual, i)
		test.That(t, r.TrackerID, test.ShouldEqual, 1)
		test.That(t, r.Class, test.ShouldEqual, labelCar)
		m := movingRect(i)
		test.That(t, r.BoundingBox, test.ShouldResemble, [4]int{m.Min.X, m.Min.Y, m.Max.X, m.Max.Y})
	}

	var decoded []FrameRecord
	test.That(t, json.Unmarshal(res.JSON, &decoded), test.ShouldBeNil)
	test.That(t, decoded, test.ShouldResemble, res.Records)

	test.That(t, sink.writes, test.ShouldEqual, 10)
	test.That(t, sink.closed, test.ShouldEqual, 1)
}

func TestDropout(t *testing.T) {
	cfg := &Config{NumSamples: intPtr(0), LostGraceFrames: intPtr(5)}
	s := newSession(t, cfg, &fakeSource{frames: 10, total: 10}, &fakeSink{}, &FakeDetector{res: linearMotion(10, 4, 5, 6)})
	_, res := drain(t, s)

	test.That(t, res.Records, test.ShouldHaveLength, 7)
	frames := make([]int, 0, len(res.Records))
	for _, r := range res.Records {
		test.That(t, r.TrackerID, test.ShouldEqual, 1)
		frames = append(frames, r.FrameNumber)
	}
	test.That(t, frames, test.ShouldResemble, []int{0, 1, 2, 3, 7, 8, 9})
}

func TestNoiseNeverReported(t *testing.T) {
	res := make([][]objdet.Detection, 6)
	res[1] = []objdet.Detection{objdet.NewDetection(image.Rect(10, 10, 40, 40), 0.9, "person")}
	res[3] = []objdet.Detection{objdet.NewDetection(image.Rect(200, 100, 260, 160), 0.9, "person")}
	res[4] = []objdet.Detection{objdet.NewDetection(image.Rect(200, 100, 260, 160), 0.9, "person")}
	s := newSession(t, &Config{NumSamples: intPtr(0)}, &fakeSource{frames: 6, total: 6}, &fakeSink{}, &FakeDetector{res: res})
	_, result := drain(t, s)
	test.That(t, result.Records, test.ShouldBeEmpty)
	test.That(t, string(result.JSON), test.ShouldEqual, "[]")
}

func TestDetectorFailureDegrades(t *testing.T) {
	det := &FakeDetector{res: linearMotion(10), errAt: map[int]bool{5: true}}
	s := newSession(t, &Config{NumSamples: intPtr(0)}, &fakeSource{frames: 10, total: 10}, &fakeSink{}, det)
	_, res := drain(t, s)

	test.That(t, res.FramesProcessed, test.ShouldEqual, 10)
	test.That(t, res.Records, test.ShouldHaveLength, 9)
	for _, r := range res.Records {
		test.That(t, r.TrackerID, test.ShouldEqual, 1)
		test.That(t, r.FrameNumber, test.ShouldNotEqual, 5)
	}
}

func TestSamples(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{NumSamples: intPtr(3), SamplesDir: dir}
	s := newSession(t, cfg, &fakeSource{frames: 10, total: 10}, &fakeSink{}, &FakeDetector{res: linearMotion(10)})
	_, res := drain(t, s)

	test.That(t, res.SamplePaths, test.ShouldResemble, []string{
		filepath.Join(dir, "frame_0.jpg"),
		filepath.Join(dir, "frame_3.jpg"),
		filepath.Join(dir, "frame_6.jpg"),
	})
	for _, p := range res.SamplePaths {
		_, err := os.Stat(p)
		test.That(t, err, test.ShouldBeNil)
	}
}

func TestSamplerInterval(t *testing.T) {
	test.That(t, newSampler("", 5, 100).interval, test.ShouldEqual, 20)
	// shorter than the number of samples
	test.That(t, newSampler("", 5, 3).interval, test.ShouldEqual, 1)
	test.That(t, newSampler("", 5, 0).interval, test.ShouldEqual, 1)
	test.That(t, newSampler("", 0, 100).due(0), test.ShouldBeFalse)
	test.That(t, newSampler("", -1, 100).due(0), test.ShouldBeFalse)

	s := newSampler("", 2, 10)
	test.That(t, s.due(0), test.ShouldBeTrue)
	test.That(t, s.due(3), test.ShouldBeFalse)
	test.That(t, s.due(5), test.ShouldBeTrue)
}

func TestUnknownLength(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{NumSamples: intPtr(2), SamplesDir: dir}
	s := newSession(t, cfg, &fakeSource{frames: 4}, &fakeSink{}, &FakeDetector{res: linearMotion(4)})
	updates, res := drain(t, s)

	test.That(t, updates, test.ShouldHaveLength, 5)
	for _, u := range updates[:4] {
		test.That(t, u.Progress, test.ShouldEqual, 0)
		test.That(t, u.ETASeconds, test.ShouldEqual, 0)
	}
	test.That(t, updates[4].Progress, test.ShouldEqual, 100)
	test.That(t, res.SamplePaths, test.ShouldHaveLength, 2)
	test.That(t, res.Records, test.ShouldHaveLength, 4)
}

func TestProgressMonotonic(t *testing.T) {
	// the source runs past its advertised length
	s := newSession(t, &Config{NumSamples: intPtr(0)}, &fakeSource{frames: 7, total: 3}, &fakeSink{}, &FakeDetector{})
	updates, _ := drain(t, s)
	last := 0
	for _, u := range updates {
		test.That(t, u.Progress, test.ShouldBeGreaterThanOrEqualTo, last)
		test.That(t, u.Progress, test.ShouldBeLessThanOrEqualTo, 100)
		last = u.Progress
	}
	test.That(t, last, test.ShouldEqual, 100)
}

func TestCancellation(t *testing.T) {
	sink := &fakeSink{}
	s := newSession(t, &Config{NumSamples: intPtr(0)}, &fakeSource{frames: 10, total: 10}, sink, &FakeDetector{res: linearMotion(10)})
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 4; i++ {
		u, err := s.Next(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, u.Done, test.ShouldBeFalse)
	}
	cancel()

	u, err := s.Next(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, u.Done, test.ShouldBeTrue)
	test.That(t, u.Progress, test.ShouldEqual, 40)
	test.That(t, u.Result.Partial, test.ShouldBeTrue)
	test.That(t, u.Result.FramesProcessed, test.ShouldEqual, 4)
	test.That(t, u.Result.Records, test.ShouldHaveLength, 4)
	test.That(t, sink.closed, test.ShouldEqual, 1)

	_, err = s.Next(ctx)
	test.That(t, errors.Is(err, io.EOF), test.ShouldBeTrue)
}

func TestSinkFailureIsFatal(t *testing.T) {
	sink := &fakeSink{failAt: 2}
	s := newSession(t, &Config{NumSamples: intPtr(0)}, &fakeSource{frames: 10, total: 10}, sink, &FakeDetector{res: linearMotion(10)})

	var updates int
	var runErr error
	for u, err := range s.All(context.Background()) {
		if err != nil {
			runErr = err
			break
		}
		test.That(t, u.Done, test.ShouldBeFalse)
		updates++
	}
	test.That(t, updates, test.ShouldEqual, 2)
	test.That(t, runErr, test.ShouldNotBeNil)
	test.That(t, runErr.Error(), test.ShouldContainSubstring, "disk full")
	test.That(t, sink.closed, test.ShouldEqual, 1)

	_, err := s.Next(context.Background())
	test.That(t, err, test.ShouldEqual, runErr)
}

func TestNewFailsFast(t *testing.T) {
	logger := logging.NewTestLogger(t)
	src, sink, det := &fakeSource{frames: 1}, &fakeSink{}, &FakeDetector{}

	_, err := New(&Config{NumSamples: intPtr(0), ConfirmFrames: intPtr(-1)}, src, sink, det, logger)
	test.That(t, errors.Is(err, ErrInvalidConfig), test.ShouldBeTrue)

	_, err = New(&Config{SamplesDir: filepath.Join(t.TempDir(), "missing")}, src, sink, det, logger)
	test.That(t, errors.Is(err, ErrInvalidConfig), test.ShouldBeTrue)

	_, err = New(&Config{NumSamples: intPtr(0)}, src, nil, det, logger)
	test.That(t, errors.Is(err, ErrInvalidConfig), test.ShouldBeTrue)
	test.That(t, src.next, test.ShouldEqual, 0)
}
