package trainer

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/llmariner/mnist-serving/common/pkg/imageinput"
	"github.com/llmariner/mnist-serving/common/pkg/nn"
	"github.com/llmariner/mnist-serving/common/pkg/savedmodel"
	testutil "github.com/llmariner/mnist-serving/common/pkg/test"
	"github.com/llmariner/mnist-serving/trainer/internal/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildModel(t *testing.T) {
	net, err := BuildModel(rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.Equal(t, nn.Shape{28, 28, 1}, net.InputShape())
	assert.Equal(t, nn.Shape{10}, net.OutputShape())

	var kinds []string
	for _, l := range net.Layers() {
		kinds = append(kinds, l.Config().Kind)
	}
	assert.Equal(t, []string{"conv2d", "conv2d", "conv2d", "flatten", "dense"}, kinds)
	assert.Equal(t, nn.Shape{22, 22, 16}, net.Layers()[2].OutputShape())
}

func TestGradients_IndependentOfWorkers(t *testing.T) {
	split := syntheticSplit(t, 10, 3)
	b := <-split.Batches(context.Background(), 10, nil)

	var want [][]float32
	for _, workers := range []int{1, 3, 16} {
		tr := New(smallModel(t), nn.NewAdam(1e-3), workers, testutil.NewTestLogger(t))
		_, err := tr.run(context.Background(), b, true)
		require.NoError(t, err)
		got := tr.sumGradients()
		if want == nil {
			want = cloneGrads(got)
			continue
		}
		for i := range want {
			assert.InDeltaSlice(t, want[i], got[i], 1e-5, "workers=%d var=%d", workers, i)
		}
	}
}

func TestFit_LossDecreases(t *testing.T) {
	train := syntheticSplit(t, 64, 4)
	test := syntheticSplit(t, 16, 5)

	tr := New(smallModel(t), nn.NewAdam(1e-2), 4, testutil.NewTestLogger(t))
	ctx := context.Background()
	before, err := tr.Evaluate(ctx, train, 16)
	require.NoError(t, err)

	history, err := tr.Fit(ctx, train, test, 5, 16, rand.New(rand.NewPCG(7, 8)))
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, h := range history {
		assert.Equal(t, i+1, h.Epoch)
	}

	after, err := tr.Evaluate(ctx, train, 16)
	require.NoError(t, err)
	assert.Less(t, after.Loss, before.Loss)
}

func TestFit_Canceled(t *testing.T) {
	train := syntheticSplit(t, 32, 4)
	tr := New(smallModel(t), nn.NewAdam(1e-3), 2, testutil.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Fit(ctx, train, train, 1, 8, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFit_SaveLoad(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	net, err := BuildModel(rng)
	require.NoError(t, err)

	train := syntheticSplit(t, 128, 6)
	test := syntheticSplit(t, 32, 7)
	tr := New(net, nn.NewAdam(5e-4), 4, testutil.NewTestLogger(t))
	history, err := tr.Fit(context.Background(), train, test, 1, 64, rng)
	require.NoError(t, err)
	require.Len(t, history, 1)

	dir := t.TempDir()
	err = savedmodel.Save(dir, net, &savedmodel.TrainingSummary{
		Epochs:       1,
		BatchSize:    64,
		LearningRate: 5e-4,
		History:      history,
	})
	require.NoError(t, err)

	m, err := savedmodel.Load(dir)
	require.NoError(t, err)
	probs, err := m.Network.Predict(test.Images[:imageinput.Size])
	require.NoError(t, err)
	require.Len(t, probs, 10)
	var sum float64
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, float32(0))
		sum += float64(p)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func smallModel(t *testing.T) *nn.Network {
	in := nn.Shape{28, 28, 1}
	conv, err := nn.NewConv2D("conv2d", in, 2, 3, nn.ActivationReLU)
	require.NoError(t, err)
	flat := nn.NewFlatten("flatten", conv.OutputShape())
	dense, err := nn.NewDense("outputs", flat.OutputShape(), 10, nn.ActivationSoftmax)
	require.NoError(t, err)
	net, err := nn.New(in, conv, flat, dense)
	require.NoError(t, err)
	net.Initialize(rand.New(rand.NewPCG(3, 4)))
	return net
}

// syntheticSplit returns n images where the label determines which row band
// is lit, so that the classes are separable.
func syntheticSplit(t *testing.T, n int, seed uint64) *dataset.Split {
	rng := rand.New(rand.NewPCG(seed, seed))
	pixels := make([]byte, n*imageinput.Size)
	labels := make([]byte, n)
	for i := range labels {
		label := i % dataset.NumClasses
		labels[i] = byte(label)
		img := pixels[i*imageinput.Size : (i+1)*imageinput.Size]
		for y := 0; y < imageinput.Height; y++ {
			for x := 0; x < imageinput.Width; x++ {
				v := byte(rng.IntN(32))
				if y/3 == label {
					v = 200 + byte(rng.IntN(56))
				}
				img[y*imageinput.Width+x] = v
			}
		}
	}
	s, err := dataset.NewSplit("synthetic", pixels, labels)
	require.NoError(t, err)
	return s
}

func cloneGrads(g [][]float32) [][]float32 {
	out := make([][]float32, len(g))
	for i, v := range g {
		out[i] = append([]float32(nil), v...)
	}
	return out
}
