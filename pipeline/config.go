package pipeline

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/viam-modules/video-tracking/detector"
	"github.com/viam-modules/video-tracking/tracker"
)

// ErrInvalidConfig is wrapped by every configuration error so callers can tell a bad setup
// from a failure during the run.
var ErrInvalidConfig = errors.New("invalid config")

var (
	// DefaultNumSamples is the number of annotated frames saved as previews.
	DefaultNumSamples = 5
	// DefaultCodec is the fourcc of the annotated output video.
	DefaultCodec = "mp4v"
)

// Config describes one processing run.
type Config struct {
	VideoPath       string `json:"video_path"`
	ModelPath       string `json:"model_path"`
	LabelsPath      string `json:"labels_path,omitempty"`
	OnnxRuntimeLib  string `json:"onnxruntime_lib,omitempty"`
	OutputVideoPath string `json:"output_video_path"`
	SamplesDir      string `json:"samples_dir,omitempty"`
	Codec           string `json:"codec,omitempty"`

	NumSamples           *int               `json:"num_samples,omitempty"`
	CostGate             *float64           `json:"cost_gate,omitempty"`
	ConfirmFrames        *int               `json:"confirm_frames,omitempty"`
	LostGraceFrames      *int               `json:"lost_grace_frames,omitempty"`
	ClassMismatchPenalty *float64           `json:"class_mismatch_penalty,omitempty"`
	MinConfidence        *float64           `json:"min_confidence,omitempty"`
	IoUThreshold         *float64           `json:"iou_threshold,omitempty"`
	BackfillTentative    *bool              `json:"backfill_tentative,omitempty"`
	ChosenLabels         map[string]float64 `json:"chosen_labels,omitempty"`
}

// LoadConfig reads a JSON config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "cannot read config %q: %v", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "cannot parse config %q: %v", path, err)
	}
	return &cfg, nil
}

// Validate checks the tunables and the samples directory. It does not look at the video
// or the model, see ValidateFiles.
func (cfg *Config) Validate() error {
	if err := cfg.TrackerConfig().Validate(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if n := cfg.Samples(); n > 0 {
		if cfg.SamplesDir == "" {
			return errors.Wrapf(ErrInvalidConfig, "expected \"samples_dir\" to save %d samples", n)
		}
		info, err := os.Stat(cfg.SamplesDir)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "cannot use samples dir: %v", err)
		}
		if !info.IsDir() {
			return errors.Wrapf(ErrInvalidConfig, "samples dir %q is not a directory", cfg.SamplesDir)
		}
	}
	if c := cfg.Confidence(); c < 0 || c > 1 {
		return errors.Wrap(ErrInvalidConfig, "minimum thresholding confidence must be between 0.0 and 1.0")
	}
	if iou := cfg.NMSThreshold(); iou <= 0 || iou > 1 {
		return errors.Wrapf(ErrInvalidConfig, "iou_threshold must be in (0, 1], got %v", iou)
	}
	for label, conf := range cfg.ChosenLabels {
		if conf < 0 || conf > 1 {
			return errors.Wrapf(ErrInvalidConfig, "confidence for label %q must be between 0.0 and 1.0", label)
		}
	}
	return nil
}

// ValidateFiles checks that the input video and the model exist.
func (cfg *Config) ValidateFiles() error {
	if cfg.VideoPath == "" {
		return errors.Wrap(ErrInvalidConfig, "expected \"video_path\" attribute")
	}
	if _, err := os.Stat(cfg.VideoPath); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "cannot open video: %v", err)
	}
	if cfg.ModelPath == "" {
		return errors.Wrap(ErrInvalidConfig, "expected \"model_path\" attribute")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "cannot open model: %v", err)
	}
	if cfg.OutputVideoPath == "" {
		return errors.Wrap(ErrInvalidConfig, "expected \"output_video_path\" attribute")
	}
	return nil
}

// TrackerConfig resolves the tracker tunables with their defaults.
func (cfg *Config) TrackerConfig() tracker.Config {
	out := tracker.DefaultConfig()
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
	if cfg.BackfillTentative != nil {
		out.BackfillTentative = *cfg.BackfillTentative
	}
	return out
}

// Samples returns the number of sample frames to save.
func (cfg *Config) Samples() int {
	if cfg.NumSamples == nil {
		return DefaultNumSamples
	}
	return *cfg.NumSamples
}

// Confidence returns the global detection score threshold.
func (cfg *Config) Confidence() float64 {
	if cfg.MinConfidence == nil {
		return detector.DefaultMinConfidence
	}
	return *cfg.MinConfidence
}

// NMSThreshold returns the IoU above which the detector suppresses overlapping boxes.
func (cfg *Config) NMSThreshold() float64 {
	if cfg.IoUThreshold == nil {
		return detector.DefaultIoUThreshold
	}
	return *cfg.IoUThreshold
}

// VideoCodec returns the fourcc of the output video.
func (cfg *Config) VideoCodec() string {
	if cfg.Codec == "" {
		return DefaultCodec
	}
	return cfg.Codec
}
