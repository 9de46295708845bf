package pipeline

import (
	"time"

	"github.com/benbjohnson/clock"
)

// progress tracks the fraction of the video processed and the time left.
type progress struct {
	clock     clock.Clock
	start     time.Time
	total     int
	processed int
	percent   int
}

func newProgress(clk clock.Clock, total int) *progress {
	return &progress{clock: clk, start: clk.Now(), total: total}
}

// advance records one processed frame and returns the percentage done and the estimated
// seconds left. The percentage never goes down. Without a known total both stay at 0.
func (p *progress) advance() (int, int) {
	p.processed++
	if p.total <= 0 {
		return 0, 0
	}
	pct := p.processed * 100 / p.total
	if pct > 100 {
		pct = 100
	}
	if pct > p.percent {
		p.percent = pct
	}

	remaining := p.total - p.processed
	if remaining < 0 {
		remaining = 0
	}
	elapsed := p.clock.Since(p.start).Seconds()
	eta := int(float64(remaining) * elapsed / float64(p.processed))
	return p.percent, eta
}

func (p *progress) elapsed() time.Duration {
	return p.clock.Since(p.start)
}
