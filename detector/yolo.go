package detector

import (
	"context"
	"image"
	"os"
	"sync"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"
)

var (
	// DefaultInputSize is the square input resolution of exported YOLOv8 models.
	DefaultInputSize = 640
	// DefaultIoUThreshold is the overlap above which same class boxes are suppressed.
	DefaultIoUThreshold = 0.45
)

// YOLOConfig configures the ONNX YOLO detector.
type YOLOConfig struct {
	ModelPath     string
	SharedLibPath string
	Labels        []string
	InputSize     int
	MinScore      float64
	IoUThreshold  float64
	InputName     string
	OutputName    string
	Threads       int
}

// YOLO runs a YOLOv8 ONNX export through onnxruntime.
type YOLO struct {
	mu      sync.Mutex
	logger  logging.Logger
	cfg     YOLOConfig
	anchors int

	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewYOLO loads the model. It fails before any inference when the model or the runtime
// library cannot be found.
func NewYOLO(cfg YOLOConfig, logger logging.Logger) (*YOLO, error) {
	if cfg.InputSize == 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.IoUThreshold == 0 {
		cfg.IoUThreshold = DefaultIoUThreshold
	}
	if cfg.InputName == "" {
		cfg.InputName = "images"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output0"
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = COCOLabels
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "cannot find model %q", cfg.ModelPath)
	}

	if !ort.IsInitialized() {
		if cfg.SharedLibPath != "" {
			if _, err := os.Stat(cfg.SharedLibPath); err != nil {
				return nil, errors.Wrapf(err, "cannot find onnxruntime library %q", cfg.SharedLibPath)
			}
			ort.SetSharedLibraryPath(cfg.SharedLibPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "error initializing onnxruntime environment")
		}
	}

	anchors := numAnchors(cfg.InputSize)
	size := int64(cfg.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(cfg.Labels)), int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "error creating session options")
	}
	defer options.Destroy()
	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			logger.Warnf("cannot set onnxruntime threads: %v", err)
		}
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrapf(err, "cannot load model %q", cfg.ModelPath)
	}
	logger.Infof("loaded %s with %d classes at %dx%d", cfg.ModelPath, len(cfg.Labels), cfg.InputSize, cfg.InputSize)

	return &YOLO{
		logger:  logger,
		cfg:     cfg,
		anchors: anchors,
		session: session,
		input:   input,
		output:  output,
	}, nil
}

// Detections runs inference on one frame.
func (y *YOLO) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.session == nil {
		return nil, errors.New("detector is closed")
	}

	y.prepareInput(img)
	if err := y.session.Run(); err != nil {
		return nil, errors.Wrap(err, "failed to run inference")
	}

	bounds := img.Bounds()
	size := float64(y.cfg.InputSize)
	scaleX := float64(bounds.Dx()) / size
	scaleY := float64(bounds.Dy()) / size
	cands := decodeOutput(y.output.GetData(), len(y.cfg.Labels), y.anchors, scaleX, scaleY, y.cfg.MinScore,
		image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	kept := nonMaxSuppression(cands, y.cfg.IoUThreshold)

	out := make([]objdet.Detection, 0, len(kept))
	for _, c := range kept {
		r := c.box.Rect().Add(bounds.Min)
		out = append(out, objdet.NewDetection(r, c.score, y.cfg.Labels[c.class]))
	}
	return out, nil
}

// prepareInput resizes the frame to the model input and writes it planar RGB in [0, 1].
func (y *YOLO) prepareInput(img image.Image) {
	s := y.cfg.InputSize
	data := y.input.GetData()
	channelSize := s * s
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	resized := resize.Resize(uint(s), uint(s), img, resize.Bilinear)
	b := resized.Bounds()
	i := 0
	for py := 0; py < s; py++ {
		for px := 0; px < s; px++ {
			r, g, bl, _ := resized.At(b.Min.X+px, b.Min.Y+py).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(bl>>8) / 255.0
			i++
		}
	}
}

// Close releases the onnxruntime session.
func (y *YOLO) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.session != nil {
		y.session.Destroy()
		y.session = nil
	}
	if y.input != nil {
		y.input.Destroy()
		y.input = nil
	}
	if y.output != nil {
		y.output.Destroy()
		y.output = nil
	}
	return nil
}
