package tracker

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	stateDim       = 8
	measurementDim = 4

	// noise weights relative to the box height
	stdWeightPosition = 1.0 / 20
	stdWeightVelocity = 1.0 / 160

	minBoxSide = 1.0
)

// motion is a constant velocity Kalman filter over the box center and size.
// The state is [cx, cy, w, h, vx, vy, vw, vh].
type motion struct {
	mean *mat.VecDense
	cov  *mat.Dense

	motionMat *mat.Dense
	updateMat *mat.Dense
}

// newMotion initiates a filter from the first observed box. Velocities start at zero
// with a wide covariance so the first few matches settle them quickly.
func newMotion(b Box) *motion {
	cx, cy := b.Center()
	w, h := b.Width(), b.Height()

	motionMat := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		motionMat.Set(i, i, 1)
	}
	for i := 0; i < measurementDim; i++ {
		motionMat.Set(i, measurementDim+i, 1)
	}
	updateMat := mat.NewDense(measurementDim, stateDim, nil)
	for i := 0; i < measurementDim; i++ {
		updateMat.Set(i, i, 1)
	}

	ref := math.Max(h, minBoxSide)
	std := make([]float64, stateDim)
	for i := 0; i < measurementDim; i++ {
		std[i] = 2 * stdWeightPosition * ref
		std[measurementDim+i] = 10 * stdWeightVelocity * ref
	}

	return &motion{
		mean:      mat.NewVecDense(stateDim, []float64{cx, cy, w, h, 0, 0, 0, 0}),
		cov:       diagonal(std),
		motionMat: motionMat,
		updateMat: updateMat,
	}
}

// predict advances the state by one frame and returns the expected box.
func (m *motion) predict() Box {
	ref := m.reference()
	std := make([]float64, stateDim)
	for i := 0; i < measurementDim; i++ {
		std[i] = stdWeightPosition * ref
		std[measurementDim+i] = stdWeightVelocity * ref
	}

	var mean mat.VecDense
	mean.MulVec(m.motionMat, m.mean)
	m.mean = &mean

	var fp, cov mat.Dense
	fp.Mul(m.motionMat, m.cov)
	cov.Mul(&fp, m.motionMat.T())
	cov.Add(&cov, diagonal(std))
	m.cov = &cov

	return m.box()
}

// update corrects the state with an observed box.
func (m *motion) update(b Box) error {
	cx, cy := b.Center()
	z := mat.NewVecDense(measurementDim, []float64{cx, cy, b.Width(), b.Height()})

	ref := m.reference()
	std := make([]float64, measurementDim)
	for i := range std {
		std[i] = stdWeightPosition * ref
	}

	// projected covariance S = H P H' + R
	var hp, s mat.Dense
	hp.Mul(m.updateMat, m.cov)
	s.Mul(&hp, m.updateMat.T())
	s.Add(&s, diagonal(std))

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return errors.Wrap(err, "singular innovation covariance")
	}

	// gain K = P H' S^-1
	var pht, gain mat.Dense
	pht.Mul(m.cov, m.updateMat.T())
	gain.Mul(&pht, &sInv)

	var projected, innovation, correction, mean mat.VecDense
	projected.MulVec(m.updateMat, m.mean)
	innovation.SubVec(z, &projected)
	correction.MulVec(&gain, &innovation)
	mean.AddVec(m.mean, &correction)
	m.mean = &mean

	// P = P - K S K'
	var ks, kskt, cov mat.Dense
	ks.Mul(&gain, &s)
	kskt.Mul(&ks, gain.T())
	cov.Sub(m.cov, &kskt)
	m.cov = &cov
	return nil
}

// box returns the current state estimate as a box.
func (m *motion) box() Box {
	w := math.Max(m.mean.AtVec(2), minBoxSide)
	h := math.Max(m.mean.AtVec(3), minBoxSide)
	return BoxFromCenter(m.mean.AtVec(0), m.mean.AtVec(1), w, h)
}

// velocity returns the estimated center velocity in pixels per frame.
func (m *motion) velocity() (float64, float64) {
	return m.mean.AtVec(4), m.mean.AtVec(5)
}

func (m *motion) reference() float64 {
	return math.Max(m.mean.AtVec(3), minBoxSide)
}

func diagonal(std []float64) *mat.Dense {
	d := mat.NewDense(len(std), len(std), nil)
	for i, s := range std {
		d.Set(i, i, s*s)
	}
	return d
}
