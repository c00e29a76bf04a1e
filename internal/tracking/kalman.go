package tracking

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// KalmanConfig holds the noise model of the constant-velocity filter.
type KalmanConfig struct {
	Dt                float64 // cycles per predict step
	InitialCovariance float64 // diagonal of P at track birth
	ProcessNoise      float64 // diagonal of Q
	MeasurementNoise  float64 // diagonal of R
}

// DefaultKalmanConfig returns a loosely tuned filter: a very uncertain
// initial state and unit process and measurement noise.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{
		Dt:                1,
		InitialCovariance: 1000,
		ProcessNoise:      1,
		MeasurementNoise:  1,
	}
}

// KalmanFilter estimates [x y z vx vy vz] from 3D position measurements.
type KalmanFilter struct {
	x *mat.VecDense // state, 6
	p *mat.Dense    // covariance, 6x6
	f *mat.Dense    // transition, 6x6
	h *mat.Dense    // measurement, 3x6
	q *mat.Dense
	r *mat.Dense
}

// NewKalmanFilter starts a filter at pos with zero velocity.
func NewKalmanFilter(pos [3]float64, cfg KalmanConfig) *KalmanFilter {
	x := mat.NewVecDense(6, []float64{pos[0], pos[1], pos[2], 0, 0, 0})

	f := identity(6)
	for i := 0; i < 3; i++ {
		f.Set(i, i+3, cfg.Dt)
	}

	h := mat.NewDense(3, 6, nil)
	for i := 0; i < 3; i++ {
		h.Set(i, i, 1)
	}

	return &KalmanFilter{
		x: x,
		p: scaledIdentity(6, cfg.InitialCovariance),
		f: f,
		h: h,
		q: scaledIdentity(6, cfg.ProcessNoise),
		r: scaledIdentity(3, cfg.MeasurementNoise),
	}
}

// Predict advances the state by one step.
func (k *KalmanFilter) Predict() {
	var x mat.VecDense
	x.MulVec(k.f, k.x)
	k.x = &x

	// P = F P Fᵀ + Q
	var fp, p mat.Dense
	fp.Mul(k.f, k.p)
	p.Mul(&fp, k.f.T())
	p.Add(&p, k.q)
	k.p = &p
}

// Update corrects the state with a position measurement.
func (k *KalmanFilter) Update(z [3]float64) error {
	// y = z - H x
	var hx mat.VecDense
	hx.MulVec(k.h, k.x)
	y := mat.NewVecDense(3, z[:])
	y.SubVec(y, &hx)

	// S = H P Hᵀ + R
	var hp, s mat.Dense
	hp.Mul(k.h, k.p)
	s.Mul(&hp, k.h.T())
	s.Add(&s, k.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return fmt.Errorf("innovation covariance not invertible: %w", err)
	}

	// K = P Hᵀ S⁻¹
	var pht, gain mat.Dense
	pht.Mul(k.p, k.h.T())
	gain.Mul(&pht, &sInv)

	var dx, x mat.VecDense
	dx.MulVec(&gain, y)
	x.AddVec(k.x, &dx)
	k.x = &x

	// P = (I - K H) P
	var kh, p mat.Dense
	kh.Mul(&gain, k.h)
	kh.Sub(identity(6), &kh)
	p.Mul(&kh, k.p)
	k.p = &p
	return nil
}

// State returns the full state vector.
func (k *KalmanFilter) State() [6]float64 {
	var out [6]float64
	for i := range out {
		out[i] = k.x.AtVec(i)
	}
	return out
}

// Position returns the positional part of the state.
func (k *KalmanFilter) Position() [3]float64 {
	return [3]float64{k.x.AtVec(0), k.x.AtVec(1), k.x.AtVec(2)}
}

// Covariance returns a copy of P.
func (k *KalmanFilter) Covariance() *mat.Dense {
	return mat.DenseCopyOf(k.p)
}

func identity(n int) *mat.Dense {
	return scaledIdentity(n, 1)
}

func scaledIdentity(n int, v float64) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, v)
	}
	return m
}
