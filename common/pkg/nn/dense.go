package nn

import (
	"fmt"
	"math/rand/v2"
)

// NewFlatten creates a layer that reshapes its input into a vector.
func NewFlatten(name string, in Shape) *Flatten {
	return &Flatten{
		name: name,
		in:   in,
		out:  Shape{in.Size()},
	}
}

// Flatten reshapes its input into a vector.
type Flatten struct {
	name    string
	in, out Shape
}

// Config returns the layer configuration.
func (l *Flatten) Config() LayerConfig {
	return LayerConfig{Kind: KindFlatten, Name: l.name}
}

// InputShape returns the input shape.
func (l *Flatten) InputShape() Shape { return l.in }

// OutputShape returns the output shape.
func (l *Flatten) OutputShape() Shape { return l.out }

// Variables returns nil as the layer has no variables.
func (l *Flatten) Variables() []*Variable { return nil }

// Forward copies the input.
func (l *Flatten) Forward(in, out []float32) { copy(out, in) }

// Backward copies the gradient.
func (l *Flatten) Backward(_, _, gradOut, gradIn []float32, _ [][]float32) {
	if gradIn != nil {
		copy(gradIn, gradOut)
	}
}

// NewDense creates a fully connected layer.
func NewDense(name string, in Shape, units int, act Activation) (*Dense, error) {
	if len(in) != 1 {
		return nil, fmt.Errorf("%s: dense input must be a vector, got %v", name, in)
	}
	if units <= 0 {
		return nil, fmt.Errorf("%s: units must be greater than 0", name)
	}
	if act == "" {
		act = ActivationLinear
	}
	if err := act.validate(true); err != nil {
		return nil, fmt.Errorf("%s: %s", name, err)
	}
	return &Dense{
		name:       name,
		in:         in,
		out:        Shape{units},
		activation: act,
		kernel:     newVariable(name+"/kernel", in[0], units),
		bias:       newVariable(name+"/bias", units),
	}, nil
}

// Dense is a fully connected layer.
type Dense struct {
	name       string
	in, out    Shape
	activation Activation

	kernel *Variable
	bias   *Variable
}

// Config returns the layer configuration.
func (d *Dense) Config() LayerConfig {
	return LayerConfig{
		Kind:       KindDense,
		Name:       d.name,
		Units:      d.out[0],
		Activation: d.activation,
	}
}

// InputShape returns the input shape.
func (d *Dense) InputShape() Shape { return d.in }

// OutputShape returns the output shape.
func (d *Dense) OutputShape() Shape { return d.out }

// Variables returns the kernel and the bias.
func (d *Dense) Variables() []*Variable { return []*Variable{d.kernel, d.bias} }

func (d *Dense) initialize(rng *rand.Rand) {
	glorotUniform(rng, d.kernel, d.in[0], d.out[0])
	clear(d.bias.Value)
}

// Forward computes in x kernel + bias followed by the activation.
func (d *Dense) Forward(in, out []float32) {
	units := d.out[0]
	copy(out, d.bias.Value)
	for i, x := range in {
		if x == 0 {
			continue
		}
		row := d.kernel.Value[i*units : (i+1)*units]
		for j, w := range row {
			out[j] += x * w
		}
	}
	activate(d.activation, out)
}

// Backward computes the gradients of the layer.
func (d *Dense) Backward(in, out, gradOut, gradIn []float32, grads [][]float32) {
	units := d.out[0]
	gKernel, gBias := grads[0], grads[1]

	activateBackward(d.activation, out, gradOut)
	for j, g := range gradOut {
		gBias[j] += g
	}
	for i, x := range in {
		row := d.kernel.Value[i*units : (i+1)*units]
		grow := gKernel[i*units : (i+1)*units]
		var s float32
		for j, g := range gradOut {
			grow[j] += x * g
			s += row[j] * g
		}
		if gradIn != nil {
			gradIn[i] = s
		}
	}
}
