// Package nn implements the small feed-forward convolutional network used to
// classify MNIST digits.
//
// Tensors are flat float32 slices. Image tensors use the height, width,
// channel (HWC) layout and kernels use the height, width, input channel,
// output channel layout so that a flattened activation has the same element
// order as the one produced by Keras.
package nn

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Layer kinds.
const (
	KindConv2D  = "conv2d"
	KindFlatten = "flatten"
	KindDense   = "dense"
)

// Shape is the shape of a single sample without the batch dimension.
type Shape []int

// Size returns the number of elements of the shape.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal returns true if both shapes have the same dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Activation is the activation function applied to the output of a layer.
type Activation string

// Supported activations.
const (
	ActivationLinear  Activation = "linear"
	ActivationReLU    Activation = "relu"
	ActivationSoftmax Activation = "softmax"
)

func (a Activation) validate(allowSoftmax bool) error {
	switch a {
	case ActivationLinear, ActivationReLU:
		return nil
	case ActivationSoftmax:
		if allowSoftmax {
			return nil
		}
	}
	return fmt.Errorf("unsupported activation: %q", a)
}

// Variable is a trainable tensor of a layer.
type Variable struct {
	Name  string
	Shape []int
	Value []float32
}

func newVariable(name string, shape ...int) *Variable {
	return &Variable{
		Name:  name,
		Shape: shape,
		Value: make([]float32, Shape(shape).Size()),
	}
}

// LayerConfig is the serializable configuration of a layer.
type LayerConfig struct {
	Kind       string     `json:"kind"`
	Name       string     `json:"name"`
	Filters    int        `json:"filters,omitempty"`
	KernelSize int        `json:"kernel_size,omitempty"`
	Units      int        `json:"units,omitempty"`
	Activation Activation `json:"activation,omitempty"`
}

// Layer is a single stage of a Network.
//
// Layers hold their variables but no per-sample state, so the same layer can
// run concurrently on different buffers.
type Layer interface {
	Config() LayerConfig
	InputShape() Shape
	OutputShape() Shape
	Variables() []*Variable

	// Forward writes the activation for in into out.
	Forward(in, out []float32)
	// Backward takes the gradient of the loss with respect to out (which it may
	// overwrite), accumulates the variable gradients into grads and writes the
	// gradient with respect to in into gradIn. gradIn is nil for the first layer.
	Backward(in, out, gradOut, gradIn []float32, grads [][]float32)
}

type initializer interface {
	initialize(rng *rand.Rand)
}

// NewLayer creates a layer from its configuration and input shape.
func NewLayer(c LayerConfig, in Shape) (Layer, error) {
	switch c.Kind {
	case KindConv2D:
		return NewConv2D(c.Name, in, c.Filters, c.KernelSize, c.Activation)
	case KindFlatten:
		return NewFlatten(c.Name, in), nil
	case KindDense:
		return NewDense(c.Name, in, c.Units, c.Activation)
	default:
		return nil, fmt.Errorf("unknown layer kind: %q", c.Kind)
	}
}

// glorotUniform fills v with samples from U(-limit, limit) where
// limit = sqrt(6 / (fanIn + fanOut)).
func glorotUniform(rng *rand.Rand, v *Variable, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range v.Value {
		v.Value[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

func activate(a Activation, out []float32) {
	switch a {
	case ActivationReLU:
		for i, v := range out {
			if v < 0 {
				out[i] = 0
			}
		}
	case ActivationSoftmax:
		Softmax(out)
	}
}

// activateBackward converts the gradient with respect to the activation output
// into the gradient with respect to its input in place.
func activateBackward(a Activation, out, grad []float32) {
	switch a {
	case ActivationReLU:
		for i, v := range out {
			if v <= 0 {
				grad[i] = 0
			}
		}
	case ActivationSoftmax:
		var dot float32
		for i, p := range out {
			dot += p * grad[i]
		}
		for i, p := range out {
			grad[i] = p * (grad[i] - dot)
		}
	}
}

// Softmax replaces x with its softmax.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	m := x[0]
	for _, v := range x[1:] {
		if v > m {
			m = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - m))
		x[i] = float32(e)
		sum += e
	}
	for i := range x {
		x[i] = float32(float64(x[i]) / sum)
	}
}

// Argmax returns the index and value of the largest element. Ties resolve to
// the lowest index.
func Argmax(x []float32) (int, float32) {
	idx := 0
	var best float32
	for i, v := range x {
		if i == 0 || v > best {
			idx, best = i, v
		}
	}
	return idx, best
}
