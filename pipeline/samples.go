package pipeline

import (
	"fmt"
	"image"
	"path/filepath"

	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage"
)

// sampler saves evenly spaced annotated frames. The interval is total/count, at least 1,
// and 1 when the total is unknown. The first count matching frames are kept.
type sampler struct {
	dir      string
	count    int
	interval int
	paths    []string
}

func newSampler(dir string, count, total int) *sampler {
	interval := 1
	if count > 0 && total > 0 && total/count > 1 {
		interval = total / count
	}
	return &sampler{dir: dir, count: count, interval: interval}
}

func (s *sampler) due(frame int) bool {
	return s.count > 0 && len(s.paths) < s.count && frame%s.interval == 0
}

// maybeSave writes the frame when it falls on the sampling interval.
func (s *sampler) maybeSave(frame int, img image.Image) error {
	if !s.due(frame) {
		return nil
	}
	path := filepath.Join(s.dir, fmt.Sprintf("frame_%d.jpg", frame))
	if err := rimage.WriteImageToFile(path, img); err != nil {
		return errors.Wrapf(err, "cannot save sample %q", path)
	}
	s.paths = append(s.paths, path)
	return nil
}
