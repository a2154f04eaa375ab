package trainer

import (
	"math/rand/v2"

	"github.com/llmariner/mnist-serving/common/pkg/imageinput"
	"github.com/llmariner/mnist-serving/common/pkg/nn"
	"github.com/llmariner/mnist-serving/trainer/internal/dataset"
)

// BuildModel returns the classifier: three 3x3 relu convolutions with 64, 16
// and 16 filters, a flatten and a 10-way softmax.
func BuildModel(rng *rand.Rand) (*nn.Network, error) {
	in := nn.Shape{imageinput.Height, imageinput.Width, imageinput.Channels}
	specs := []nn.LayerConfig{
		{Kind: nn.KindConv2D, Name: "conv2d", Filters: 64, KernelSize: 3, Activation: nn.ActivationReLU},
		{Kind: nn.KindConv2D, Name: "conv2d_1", Filters: 16, KernelSize: 3, Activation: nn.ActivationReLU},
		{Kind: nn.KindConv2D, Name: "conv2d_2", Filters: 16, KernelSize: 3, Activation: nn.ActivationReLU},
		{Kind: nn.KindFlatten, Name: "flatten"},
		{Kind: nn.KindDense, Name: "outputs", Units: dataset.NumClasses, Activation: nn.ActivationSoftmax},
	}

	var layers []nn.Layer
	prev := in
	for _, s := range specs {
		l, err := nn.NewLayer(s, prev)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
		prev = l.OutputShape()
	}
	net, err := nn.New(in, layers...)
	if err != nil {
		return nil, err
	}
	net.Initialize(rng)
	return net, nil
}
