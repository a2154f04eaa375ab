package nn

import (
	"fmt"
	"math/rand/v2"
)

// NewConv2D creates a 2D convolution with valid padding and stride 1.
func NewConv2D(name string, in Shape, filters, kernelSize int, act Activation) (*Conv2D, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("%s: conv2d input must have 3 dimensions, got %v", name, in)
	}
	if filters <= 0 {
		return nil, fmt.Errorf("%s: filters must be greater than 0", name)
	}
	if kernelSize <= 0 || kernelSize > in[0] || kernelSize > in[1] {
		return nil, fmt.Errorf("%s: invalid kernel size %d for input %v", name, kernelSize, in)
	}
	if act == "" {
		act = ActivationLinear
	}
	if err := act.validate(false); err != nil {
		return nil, fmt.Errorf("%s: %s", name, err)
	}
	return &Conv2D{
		name:       name,
		in:         in,
		out:        Shape{in[0] - kernelSize + 1, in[1] - kernelSize + 1, filters},
		filters:    filters,
		kernelSize: kernelSize,
		activation: act,
		kernel:     newVariable(name+"/kernel", kernelSize, kernelSize, in[2], filters),
		bias:       newVariable(name+"/bias", filters),
	}, nil
}

// Conv2D is a 2D convolution layer.
type Conv2D struct {
	name       string
	in, out    Shape
	filters    int
	kernelSize int
	activation Activation

	kernel *Variable
	bias   *Variable
}

// Config returns the layer configuration.
func (c *Conv2D) Config() LayerConfig {
	return LayerConfig{
		Kind:       KindConv2D,
		Name:       c.name,
		Filters:    c.filters,
		KernelSize: c.kernelSize,
		Activation: c.activation,
	}
}

// InputShape returns the input shape.
func (c *Conv2D) InputShape() Shape { return c.in }

// OutputShape returns the output shape.
func (c *Conv2D) OutputShape() Shape { return c.out }

// Variables returns the kernel and the bias.
func (c *Conv2D) Variables() []*Variable { return []*Variable{c.kernel, c.bias} }

func (c *Conv2D) initialize(rng *rand.Rand) {
	area := c.kernelSize * c.kernelSize
	glorotUniform(rng, c.kernel, area*c.in[2], area*c.filters)
	clear(c.bias.Value)
}

// Forward computes the convolution.
func (c *Conv2D) Forward(in, out []float32) {
	w, inC := c.in[1], c.in[2]
	oh, ow, nf := c.out[0], c.out[1], c.filters
	k := c.kernelSize
	kernel, bias := c.kernel.Value, c.bias.Value

	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			o := out[(oy*ow+ox)*nf : (oy*ow+ox+1)*nf]
			copy(o, bias)
			for ky := 0; ky < k; ky++ {
				for kx := 0; kx < k; kx++ {
					ib := ((oy+ky)*w + ox + kx) * inC
					wb := (ky*k + kx) * inC * nf
					for ci := 0; ci < inC; ci++ {
						x := in[ib+ci]
						if x == 0 {
							continue
						}
						wr := kernel[wb+ci*nf : wb+(ci+1)*nf]
						for f, wv := range wr {
							o[f] += x * wv
						}
					}
				}
			}
			activate(c.activation, o)
		}
	}
}

// Backward computes the gradients of the convolution.
func (c *Conv2D) Backward(in, out, gradOut, gradIn []float32, grads [][]float32) {
	w, inC := c.in[1], c.in[2]
	oh, ow, nf := c.out[0], c.out[1], c.filters
	k := c.kernelSize
	kernel := c.kernel.Value
	gKernel, gBias := grads[0], grads[1]

	activateBackward(c.activation, out, gradOut)
	if gradIn != nil {
		clear(gradIn)
	}

	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			g := gradOut[(oy*ow+ox)*nf : (oy*ow+ox+1)*nf]
			nonZero := false
			for f, gv := range g {
				if gv != 0 {
					gBias[f] += gv
					nonZero = true
				}
			}
			if !nonZero {
				continue
			}
			for ky := 0; ky < k; ky++ {
				for kx := 0; kx < k; kx++ {
					ib := ((oy+ky)*w + ox + kx) * inC
					wb := (ky*k + kx) * inC * nf
					for ci := 0; ci < inC; ci++ {
						x := in[ib+ci]
						wr := kernel[wb+ci*nf : wb+(ci+1)*nf]
						gwr := gKernel[wb+ci*nf : wb+(ci+1)*nf]
						var s float32
						for f, gv := range g {
							gwr[f] += x * gv
							s += wr[f] * gv
						}
						if gradIn != nil {
							gradIn[ib+ci] += s
						}
					}
				}
			}
		}
	}
}
