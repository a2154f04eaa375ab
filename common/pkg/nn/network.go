package nn

import (
	"fmt"
	"math/rand/v2"
)

// New creates a network from layers. The input shape of each layer must match
// the output shape of the previous one.
func New(input Shape, layers ...Layer) (*Network, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("network must have at least one layer")
	}
	prev := input
	for _, l := range layers {
		if !l.InputShape().Equal(prev) {
			return nil, fmt.Errorf("layer %q: input shape %v does not match %v", l.Config().Name, l.InputShape(), prev)
		}
		prev = l.OutputShape()
	}
	return &Network{
		input:  input,
		layers: layers,
	}, nil
}

// Network is a sequential stack of layers.
type Network struct {
	input  Shape
	layers []Layer
}

// InputShape returns the shape of a single input sample.
func (n *Network) InputShape() Shape { return n.input }

// OutputShape returns the shape of a single output.
func (n *Network) OutputShape() Shape { return n.layers[len(n.layers)-1].OutputShape() }

// Layers returns the layers of the network.
func (n *Network) Layers() []Layer { return n.layers }

// Variables returns all variables in layer order.
func (n *Network) Variables() []*Variable {
	var vs []*Variable
	for _, l := range n.layers {
		vs = append(vs, l.Variables()...)
	}
	return vs
}

// Initialize sets the initial values of all variables.
func (n *Network) Initialize(rng *rand.Rand) {
	for _, l := range n.layers {
		if i, ok := l.(initializer); ok {
			i.initialize(rng)
		}
	}
}

// Predict runs the network on a single sample and returns its output.
// It is safe to call Predict concurrently as long as no variable is updated.
func (n *Network) Predict(x []float32) ([]float32, error) {
	t := n.newTape(false)
	out, err := t.Forward(x)
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), out...), nil
}

// NewTape allocates the buffers needed to train the network on one sample at
// a time. A tape must not be shared between goroutines.
func (n *Network) NewTape() *Tape {
	return n.newTape(true)
}

func (n *Network) newTape(withGrads bool) *Tape {
	t := &Tape{
		net:  n,
		acts: make([][]float32, len(n.layers)),
	}
	for i, l := range n.layers {
		t.acts[i] = make([]float32, l.OutputShape().Size())
	}
	if !withGrads {
		return t
	}

	t.deltas = make([][]float32, len(n.layers))
	t.layerGrads = make([][][]float32, len(n.layers))
	for i, l := range n.layers {
		t.deltas[i] = make([]float32, l.OutputShape().Size())
		for _, v := range l.Variables() {
			g := make([]float32, len(v.Value))
			t.layerGrads[i] = append(t.layerGrads[i], g)
			t.grads = append(t.grads, g)
		}
	}
	return t
}

// Tape holds the activations of the last forward pass and the accumulated
// variable gradients.
type Tape struct {
	net *Network

	in         []float32
	acts       [][]float32
	deltas     [][]float32
	layerGrads [][][]float32
	grads      [][]float32
}

// Forward runs the layers on x and returns the output activation. The returned
// slice is owned by the tape and overwritten by the next call.
func (t *Tape) Forward(x []float32) ([]float32, error) {
	if got, want := len(x), t.net.input.Size(); got != want {
		return nil, fmt.Errorf("input has %d values, want %d", got, want)
	}
	t.in = x
	prev := x
	for i, l := range t.net.layers {
		l.Forward(prev, t.acts[i])
		prev = t.acts[i]
	}
	return prev, nil
}

// Backward propagates the loss gradient with respect to the output of the last
// Forward call and adds the variable gradients to the tape.
func (t *Tape) Backward(gradOut []float32) error {
	if t.deltas == nil {
		return fmt.Errorf("tape was created without gradients")
	}
	last := len(t.net.layers) - 1
	if len(gradOut) != len(t.acts[last]) {
		return fmt.Errorf("gradient has %d values, want %d", len(gradOut), len(t.acts[last]))
	}
	copy(t.deltas[last], gradOut)
	for i := last; i >= 0; i-- {
		in := t.in
		var gradIn []float32
		if i > 0 {
			in = t.acts[i-1]
			gradIn = t.deltas[i-1]
		}
		t.net.layers[i].Backward(in, t.acts[i], t.deltas[i], gradIn, t.layerGrads[i])
	}
	return nil
}

// Gradients returns the accumulated gradients, aligned with Network.Variables.
func (t *Tape) Gradients() [][]float32 { return t.grads }

// ZeroGradients resets the accumulated gradients.
func (t *Tape) ZeroGradients() {
	for _, g := range t.grads {
		clear(g)
	}
}
