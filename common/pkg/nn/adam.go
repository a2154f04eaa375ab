package nn

import (
	"fmt"
	"math"
)

// NewAdam returns an Adam optimizer with the default moment decay rates.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

// Adam implements the Adam optimizer.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m, v [][]float32
}

// Iterations returns the number of steps applied so far.
func (a *Adam) Iterations() int { return a.step }

// Step updates vars with grads. grads must be aligned with vars and keep the
// same alignment across calls.
func (a *Adam) Step(vars []*Variable, grads [][]float32) error {
	if len(vars) != len(grads) {
		return fmt.Errorf("got %d gradients for %d variables", len(grads), len(vars))
	}
	if a.m == nil {
		a.m = make([][]float32, len(vars))
		a.v = make([][]float32, len(vars))
		for i, v := range vars {
			a.m[i] = make([]float32, len(v.Value))
			a.v[i] = make([]float32, len(v.Value))
		}
	}
	if len(a.m) != len(vars) {
		return fmt.Errorf("optimizer was initialized with %d variables, got %d", len(a.m), len(vars))
	}

	a.step++
	t := float64(a.step)
	lr := float32(a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t)))
	b1, b2 := float32(a.Beta1), float32(a.Beta2)
	eps := float32(a.Epsilon)

	for i, v := range vars {
		g := grads[i]
		if len(g) != len(v.Value) {
			return fmt.Errorf("variable %q: gradient has %d values, want %d", v.Name, len(g), len(v.Value))
		}
		m, s := a.m[i], a.v[i]
		for j, gv := range g {
			m[j] = b1*m[j] + (1-b1)*gv
			s[j] = b2*s[j] + (1-b2)*gv*gv
			v.Value[j] -= lr * m[j] / (float32(math.Sqrt(float64(s[j]))) + eps)
		}
	}
	return nil
}
