// Package video reads and writes video files with OpenCV.
package video

import (
	"context"
	"image"
	"io"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Source decodes the frames of a video file in order.
type Source struct {
	path    string
	capture *gocv.VideoCapture
	frame   gocv.Mat
	total   int
	fps     float64
	width   int
	height  int
}

// Open opens a video file for reading. It fails when the file cannot be decoded.
func Open(path string) (*Source, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open video %q", path)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, errors.Errorf("cannot decode video %q", path)
	}
	return &Source{
		path:    path,
		capture: capture,
		frame:   gocv.NewMat(),
		total:   int(capture.Get(gocv.VideoCaptureFrameCount)),
		fps:     capture.Get(gocv.VideoCaptureFPS),
		width:   int(capture.Get(gocv.VideoCaptureFrameWidth)),
		height:  int(capture.Get(gocv.VideoCaptureFrameHeight)),
	}, nil
}

// Next returns the next frame, or io.EOF after the last one. Empty frames are skipped.
func (s *Source) Next(ctx context.Context) (image.Image, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ok := s.capture.Read(&s.frame); !ok {
			return nil, io.EOF
		}
		if s.frame.Empty() {
			continue
		}
		img, err := s.frame.ToImage()
		if err != nil {
			return nil, errors.Wrapf(err, "cannot convert frame of %q", s.path)
		}
		return img, nil
	}
}

// TotalFrames is the frame count reported by the container, 0 if unknown.
func (s *Source) TotalFrames() int {
	if s.total < 0 {
		return 0
	}
	return s.total
}

// FPS is the frame rate of the video.
func (s *Source) FPS() float64 { return s.fps }

// Size is the frame size of the video.
func (s *Source) Size() image.Point { return image.Pt(s.width, s.height) }

// Close releases the decoder.
func (s *Source) Close() error {
	if err := s.frame.Close(); err != nil {
		return err
	}
	return s.capture.Close()
}

// Sink encodes frames into a video file.
type Sink struct {
	path   string
	writer *gocv.VideoWriter
	size   image.Point
}

// Create opens a video file for writing with the given fourcc codec.
func Create(path, codec string, fps float64, width, height int) (*Sink, error) {
	if fps <= 0 {
		fps = 30
	}
	writer, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create video %q", path)
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, errors.Errorf("cannot encode video %q with codec %q", path, codec)
	}
	return &Sink{path: path, writer: writer, size: image.Pt(width, height)}, nil
}

// Write encodes one frame. Frames must have the size given to Create.
func (s *Sink) Write(img image.Image) error {
	if got := img.Bounds().Size(); got != s.size {
		return errors.Errorf("frame is %v, expected %v", got, s.size)
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return errors.Wrap(err, "cannot convert frame")
	}
	defer mat.Close()
	if err := s.writer.Write(mat); err != nil {
		return errors.Wrapf(err, "cannot write to %q", s.path)
	}
	return nil
}

// Close flushes and closes the file.
func (s *Sink) Close() error {
	return errors.Wrapf(s.writer.Close(), "cannot close %q", s.path)
}
