// Package object_tracker implements an object tracker as a Viam vision service
package object_tracker

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/gostream"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/video-tracking/detector"
	"github.com/viam-modules/video-tracking/tracker"
)

// ModelName is the name of the model
const (
	ModelName              = "object-tracker"
	NewObjectDetectedLabel = "new-object-detected"
)

var (
	// Here is where we define your new model's colon-delimited-triplet (viam:vision:object-tracker)
	Model                  = resource.NewModel("viam", "vision", ModelName)
	errUnimplemented       = errors.New("unimplemented")
	DefaultMinConfidence   = 0.2
	DefaultMaxFrequency    = 10.0
	DefaultTriggerCoolDown = 5.0
)

type allObjects struct {
	mutex   sync.RWMutex
	objects []trackedObject
}

type currentDetections struct {
	mutex      sync.RWMutex
	detections []objdet.Detection
}

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *Config]{
		Constructor: newTracker,
	})
}

type myTracker struct {
	resource.Named
	resource.AlwaysRebuild
	logger        logging.Logger
	clock         clock.Clock
	cancelFunc    context.CancelFunc
	cancelContext context.Context

	triggerCancelFunc context.CancelFunc
	triggerContext    context.Context

	activeBackgroundWorkers sync.WaitGroup
	currDetections          currentDetections
	currImg                 atomic.Pointer[image.Image]

	allFreshObjects allObjects

	newInstance atomic.Bool
	coolDown    float64
	properties  vision.Properties

	cam       camera.Camera
	camName   string
	adapter   *detector.Adapter
	tracker   *tracker.Tracker
	frequency float64
	frame     int

	statsMutex sync.Mutex
	timeStats  []time.Duration
}

func newTracker(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	t := &myTracker{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		clock:  clock.New(),
		properties: vision.Properties{
			ClassificationSupported: true,
			DetectionSupported:      true,
			ObjectPCDsSupported:     false,
		},
		allFreshObjects: allObjects{
			objects: []trackedObject{},
		},
	}

	if err := t.configure(deps, conf); err != nil {
		return nil, err
	}

	cancelableCtx, cancel := context.WithCancel(context.Background())
	t.cancelFunc = cancel
	t.cancelContext = cancelableCtx

	stream, err := t.cam.Stream(t.cancelContext, nil)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "unable to stream from camera %v", t.camName)
	}

	t.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		t.run(stream, t.cancelContext)
	}, func() {
		t.cancelFunc()
		if err := stream.Close(context.Background()); err != nil {
			t.logger.Warnf("cannot close camera stream: %v", err)
		}
		t.activeBackgroundWorkers.Done()
	})

	return t, nil
}

// run is a (cancelable) infinite loop that takes new frames from the camera and feeds
// their detections to the tracker, at most frequency times per second.
func (t *myTracker) run(stream gostream.VideoStream, cancelableCtx context.Context) {
	for {
		select {
		case <-cancelableCtx.Done():
			return
		default:
			start := t.clock.Now()
			img, release, err := stream.Next(cancelableCtx)
			if err != nil {
				if cancelableCtx.Err() != nil {
					return
				}
				t.logger.Errorf("can't get image. got err: %s", err)
				continue
			}
			if img == nil {
				t.logger.Errorf("got nil image")
				continue
			}
			t.process(cancelableCtx, img)
			if release != nil {
				release()
			}

			took := t.clock.Since(start)
			waitFor := time.Duration((1/t.frequency)*float64(time.Second)) - took
			if waitFor > time.Microsecond {
				select {
				case <-cancelableCtx.Done():
					return
				case <-t.clock.After(waitFor):
				}
			}
		}
	}
}

// process runs one frame through the detector and the tracker and publishes the tracks
// seen in it.
func (t *myTracker) process(ctx context.Context, img image.Image) {
	start := t.clock.Now()
	frame := t.frame
	t.frame++

	dets, err := t.adapter.Detect(ctx, frame, img)
	if err != nil {
		t.logger.Warnf("%v, continuing with no detections", err)
		dets = nil
	}
	step, err := t.tracker.Update(frame, dets)
	if err != nil {
		t.logger.Errorf("can't track frame %d. got err: %s", frame, err)
		return
	}

	if len(step.Confirmed) > 0 {
		// trigger classification and schedule "untrigger"
		t.trigger()

		confirmed := make(map[int]bool, len(step.Confirmed))
		for _, id := range step.Confirmed {
			confirmed[id] = true
		}
		now := t.clock.Now()
		t.allFreshObjects.mutex.Lock()
		for _, o := range step.Visible {
			if confirmed[o.TrackID] {
				t.allFreshObjects.objects = append(t.allFreshObjects.objects, newTrackedObject(o, now))
			}
		}
		t.allFreshObjects.mutex.Unlock()
	}

	labelled := labelDetections(step.Visible)
	t.currDetections.mutex.Lock()
	t.currDetections.detections = labelled
	t.currDetections.mutex.Unlock()
	t.currImg.Store(&img)

	t.statsMutex.Lock()
	t.timeStats = append(t.timeStats, t.clock.Since(start))
	t.statsMutex.Unlock()
}

func (t *myTracker) trigger() {
	if t.triggerCancelFunc != nil {
		t.triggerCancelFunc()
	}
	triggerContext, triggerCancelFunc := context.WithCancel(t.cancelContext)
	t.triggerContext = triggerContext
	t.triggerCancelFunc = triggerCancelFunc

	t.newInstance.Store(true)
	coolDownTimer := t.clock.After(time.Duration(t.coolDown * float64(time.Second)))
	t.activeBackgroundWorkers.Add(1)

	viamutils.ManagedGo(
		func() {
			select {
			case <-coolDownTimer:
				t.newInstance.Store(false)
				return
			case <-triggerContext.Done():
				return
			}
		},
		func() {
			t.activeBackgroundWorkers.Done()
		})
}

// Config contains names for necessary resources (camera and vision service)
// and the tracker tunables.
type Config struct {
	CameraName           string             `json:"camera_name"`
	DetectorName         string             `json:"detector_name"`
	ChosenLabels         map[string]float64 `json:"chosen_labels"`
	MaxFrequency         float64            `json:"max_frequency_hz"`
	MinConfidence        *float64           `json:"min_confidence,omitempty"`
	TriggerCoolDown      *float64           `json:"trigger_cool_down_s,omitempty"`
	CostGate             *float64           `json:"cost_gate,omitempty"`
	ConfirmFrames        *int               `json:"confirm_frames,omitempty"`
	LostGraceFrames      *int               `json:"lost_grace_frames,omitempty"`
	ClassMismatchPenalty *float64           `json:"class_mismatch_penalty,omitempty"`
}

// Validate validates the config and returns implicit dependencies,
// this Validate checks if the camera and detector(vision svc) exist for the module's vision model.
func (cfg *Config) Validate(path string) ([]string, error) {
	// this makes them required for the model to successfully build
	if cfg.CameraName == "" {
		return nil, errors.Errorf(`expected "camera_name" attribute for object tracker %q`, path)
	}
	if cfg.DetectorName == "" {
		return nil, errors.Errorf(`expected "detector_name" attribute for object tracker %q`, path)
	}
	if cfg.MaxFrequency < 0 {
		return nil, errors.New("frequency(Hz) must be a positive number")
	}
	if err := cfg.trackerConfig().Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid tracker attributes for object tracker %q", path)
	}

	// Return the resource names so that newTracker can access them as dependencies.
	return []string{cfg.CameraName, cfg.DetectorName}, nil
}

func (cfg *Config) trackerConfig() tracker.Config {
	out := tracker.DefaultConfig()
	// there is no log to backfill in a live stream
	out.BackfillTentative = false
	if cfg.CostGate != nil {
		out.CostGate = *cfg.CostGate
	}
	if cfg.ConfirmFrames != nil {
		out.ConfirmFrames = *cfg.ConfirmFrames
	}
	if cfg.LostGraceFrames != nil {
		out.LostGraceFrames = *cfg.LostGraceFrames
	}
	if cfg.ClassMismatchPenalty != nil {
		out.ClassMismatchPenalty = *cfg.ClassMismatchPenalty
	}
	return out
}

// configure applies the settings. A new config rebuilds the service.
func (t *myTracker) configure(deps resource.Dependencies, conf resource.Config) error {
	// This takes the generic resource.Config passed down from the parent and converts it to the
	// model-specific (aka "native") Config structure defined, above making it easier to directly access attributes.
	trackerConfig, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return errors.Errorf("Could not assert proper config for %s", ModelName)
	}

	if trackerConfig.MaxFrequency < 0 {
		return errors.New("frequency(Hz) must be a positive number")
	}
	t.frequency = trackerConfig.MaxFrequency
	if t.frequency == 0 {
		t.frequency = DefaultMaxFrequency
	}

	//config trigger cool down
	if trackerConfig.TriggerCoolDown != nil {
		if *trackerConfig.TriggerCoolDown < 0 {
			return errors.New("trigger_cool_down_s is a duration given in seconds and should be above 0.")
		}
		t.coolDown = *trackerConfig.TriggerCoolDown
	} else {
		t.coolDown = DefaultTriggerCoolDown
	}

	//config min confidence
	minConfidence := DefaultMinConfidence
	if trackerConfig.MinConfidence != nil {
		minConfidence = *trackerConfig.MinConfidence
	}
	if minConfidence < 0 || minConfidence > 1 {
		return errors.New("minimum thresholding confidence must be between 0.0 and 1.0")
	}

	t.tracker, err = tracker.New(trackerConfig.trackerConfig())
	if err != nil {
		return err
	}

	t.camName = trackerConfig.CameraName
	t.cam, err = camera.FromDependencies(deps, trackerConfig.CameraName)
	if err != nil {
		return errors.Wrapf(err, "unable to get camera %v for object tracker", trackerConfig.CameraName)
	}
	det, err := vision.FromDependencies(deps, trackerConfig.DetectorName)
	if err != nil {
		return errors.Wrapf(err, "unable to get detector %v for object tracker", trackerConfig.DetectorName)
	}
	t.adapter = detector.NewAdapter(det, trackerConfig.ChosenLabels, minConfidence, t.logger)
	return nil
}

func (t *myTracker) currentDetections(ctx context.Context) ([]objdet.Detection, error) {
	select {
	case <-t.cancelContext.Done():
		return nil, t.cancelContext.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		t.currDetections.mutex.RLock()
		dets := t.currDetections.detections
		t.currDetections.mutex.RUnlock()
		return dets, nil
	}
}

func (t *myTracker) classifications() classification.Classifications {
	if t.newInstance.Load() {
		return []classification.Classification{classification.NewClassification(1, NewObjectDetectedLabel)}
	}
	return []classification.Classification{}
}

func (t *myTracker) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	if cameraName != t.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
	}
	return t.currentDetections(ctx)
}

// Detections returns the tracks seen on the last camera frame. The given image is ignored.
func (t *myTracker) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	return t.currentDetections(ctx)
}

func (t *myTracker) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	if cameraName != t.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
	}
	return t.classifications(), nil
}

func (t *myTracker) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	return t.classifications(), nil
}

func (t *myTracker) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &t.properties, nil
}

func (t *myTracker) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

func (t *myTracker) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	var detections []objdet.Detection
	var classifications []classification.Classification
	var img image.Image
	select {
	case <-t.cancelContext.Done():
		return viscapture.VisCapture{}, t.cancelContext.Err()
	case <-ctx.Done():
		return viscapture.VisCapture{}, ctx.Err()
	default:
		if opt.ReturnImage {
			if cameraName != t.camName {
				return viscapture.VisCapture{}, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
			}
			if last := t.currImg.Load(); last != nil {
				img = *last
			}
		}
		if opt.ReturnDetections {
			t.currDetections.mutex.RLock()
			detections = t.currDetections.detections
			t.currDetections.mutex.RUnlock()
		}
		if opt.ReturnClassifications {
			classifications = t.classifications()
		}
	}
	return viscapture.VisCapture{Image: img, Detections: detections, Classifications: classifications}, nil
}

func (t *myTracker) Close(ctx context.Context) error {
	t.cancelFunc()
	t.activeBackgroundWorkers.Wait()
	return nil
}

type benchmark struct {
	Slowest      float64
	Fastest      float64
	Average      float64
	NumberOfRuns int
}

// DoCommand will return the slowest, fastest, and average time of the tracking module
// and the log of the objects confirmed so far.
func (t *myTracker) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	// average, fastest, and slowest time (and n)
	out := make(map[string]interface{})
	if cmd["benchmark"] != nil {
		t.statsMutex.Lock()
		stats := append([]time.Duration(nil), t.timeStats...)
		t.statsMutex.Unlock()

		var b benchmark
		if n := len(stats); n > 0 {
			tmin, tmax := stats[0], stats[0]
			var sum time.Duration
			for _, tt := range stats {
				if tt < tmin {
					tmin = tt
				}
				if tt > tmax {
					tmax = tt
				}
				sum += tt
			}
			b = benchmark{
				Slowest:      float64(tmax),
				Fastest:      float64(tmin),
				Average:      float64(sum / time.Duration(n)),
				NumberOfRuns: n,
			}
		}
		out["benchmark"] = b
	}
	if cmd["logs"] != nil {
		t.allFreshObjects.mutex.RLock()
		out["logs"] = append([]trackedObject{}, t.allFreshObjects.objects...)
		t.allFreshObjects.mutex.RUnlock()
	}
	return out, nil
}
