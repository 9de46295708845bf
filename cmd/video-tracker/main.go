// Command video-tracker detects and tracks objects in a video file. It writes the annotated
// video, the detection log and a few sample frames into a new run directory.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/video-tracking/detector"
	"github.com/viam-modules/video-tracking/pipeline"
	"github.com/viam-modules/video-tracking/video"
)

func main() {
	configPath := flag.String("config", "", "JSON config file")
	videoPath := flag.String("video", "", "input video, overrides video_path")
	modelPath := flag.String("model", "", "YOLOv8 ONNX model, overrides model_path")
	runsDir := flag.String("runs", "runs", "directory under which each run gets its own directory")
	numSamples := flag.Int("samples", -1, "number of sample frames, overrides num_samples")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logger := logging.NewLogger("video-tracker")
	if *debug {
		logger.SetLevel(logging.DEBUG)
	}

	cfg := &pipeline.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = pipeline.LoadConfig(*configPath); err != nil {
			logger.Fatal(err)
		}
	}
	if *videoPath != "" {
		cfg.VideoPath = *videoPath
	}
	if *modelPath != "" {
		cfg.ModelPath = *modelPath
	}
	if *numSamples >= 0 {
		cfg.NumSamples = numSamples
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, cfg, *runsDir, logger); err != nil {
		logger.Fatal(err)
	}
}

func run(ctx context.Context, cfg *pipeline.Config, runsDir string, logger logging.Logger) error {
	runDir := filepath.Join(runsDir, uuid.New().String())
	if cfg.OutputVideoPath == "" {
		cfg.OutputVideoPath = filepath.Join(runDir, "annotated.mp4")
	}
	if cfg.SamplesDir == "" {
		cfg.SamplesDir = filepath.Join(runDir, "samples")
	}
	if err := cfg.ValidateFiles(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.SamplesDir, 0o755); err != nil {
		return errors.Wrap(err, "cannot create run directory")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputVideoPath), 0o755); err != nil {
		return errors.Wrap(err, "cannot create run directory")
	}

	labels := detector.COCOLabels
	if cfg.LabelsPath != "" {
		var err error
		if labels, err = detector.LoadLabels(cfg.LabelsPath); err != nil {
			return errors.Wrap(pipeline.ErrInvalidConfig, err.Error())
		}
	}
	yolo, err := detector.NewYOLO(detector.YOLOConfig{
		ModelPath:     cfg.ModelPath,
		SharedLibPath: cfg.OnnxRuntimeLib,
		Labels:        labels,
		MinScore:      cfg.Confidence(),
		IoUThreshold:  cfg.NMSThreshold(),
	}, logger)
	if err != nil {
		return errors.Wrap(pipeline.ErrInvalidConfig, err.Error())
	}
	defer func() {
		if err := yolo.Close(); err != nil {
			logger.Warnf("cannot close detector: %v", err)
		}
	}()

	src, err := video.Open(cfg.VideoPath)
	if err != nil {
		return errors.Wrap(pipeline.ErrInvalidConfig, err.Error())
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warnf("cannot close %s: %v", cfg.VideoPath, err)
		}
	}()
	size := src.Size()
	sink, err := video.Create(cfg.OutputVideoPath, cfg.VideoCodec(), src.FPS(), size.X, size.Y)
	if err != nil {
		return err
	}

	session, err := pipeline.New(cfg, src, sink, yolo, logger)
	if err != nil {
		sink.Close()
		return err
	}
	defer session.Close()

	lastReported := -1
	for u, err := range session.All(ctx) {
		if err != nil {
			return err
		}
		if !u.Done {
			if u.Progress/10 != lastReported {
				lastReported = u.Progress / 10
				logger.Infof("%d%% done, about %ds left", u.Progress, u.ETASeconds)
			}
			continue
		}
		logPath := filepath.Join(filepath.Dir(cfg.OutputVideoPath), "detections.json")
		if err := u.Result.WriteJSON(logPath); err != nil {
			return err
		}
		logger.Infow("run finished",
			"video", u.Result.VideoPath,
			"log", logPath,
			"samples", len(u.Result.SamplePaths),
			"records", len(u.Result.Records),
			"partial", u.Result.Partial)
	}
	return nil
}
