package trainer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-logr/logr"
	"github.com/llmariner/mnist-serving/common/pkg/nn"
	"github.com/llmariner/mnist-serving/common/pkg/savedmodel"
	"github.com/llmariner/mnist-serving/trainer/internal/dataset"
	"golang.org/x/sync/errgroup"
)

// New creates a trainer for the network. Gradients of a batch are computed by
// up to numWorkers goroutines.
func New(net *nn.Network, opt *nn.Adam, numWorkers int, logger logr.Logger) *T {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	tapes := make([]*nn.Tape, numWorkers)
	for i := range tapes {
		tapes[i] = net.NewTape()
	}
	return &T{
		net:    net,
		opt:    opt,
		tapes:  tapes,
		logger: logger.WithName("train"),
	}
}

// T trains a network.
type T struct {
	net   *nn.Network
	opt   *nn.Adam
	tapes []*nn.Tape

	logger logr.Logger
}

// Metrics are the loss and accuracy averaged over samples.
type Metrics struct {
	Loss     float64
	Accuracy float64
}

type result struct {
	loss    float64
	correct int
	n       int
}

func (r *result) add(o result) {
	r.loss += o.loss
	r.correct += o.correct
	r.n += o.n
}

func (r *result) metrics() Metrics {
	if r.n == 0 {
		return Metrics{}
	}
	return Metrics{
		Loss:     r.loss / float64(r.n),
		Accuracy: float64(r.correct) / float64(r.n),
	}
}

// Fit trains the network for the given number of epochs. The train split is
// reshuffled every epoch and the test split is evaluated after each epoch.
func (t *T) Fit(
	ctx context.Context,
	train, test *dataset.Split,
	epochs, batchSize int,
	rng *rand.Rand,
) ([]savedmodel.EpochStats, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be greater than 0")
	}
	var history []savedmodel.EpochStats
	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()
		m, err := t.trainEpoch(ctx, epoch, train, batchSize, rng)
		if err != nil {
			return nil, err
		}
		val, err := t.Evaluate(ctx, test, batchSize)
		if err != nil {
			return nil, err
		}
		t.logger.Info("Finished epoch",
			"epoch", fmt.Sprintf("%d/%d", epoch, epochs),
			"loss", m.Loss,
			"accuracy", m.Accuracy,
			"valLoss", val.Loss,
			"valAccuracy", val.Accuracy,
			"duration", time.Since(start),
		)
		history = append(history, savedmodel.EpochStats{
			Epoch:       epoch,
			Loss:        m.Loss,
			Accuracy:    m.Accuracy,
			ValLoss:     val.Loss,
			ValAccuracy: val.Accuracy,
		})
	}
	return history, nil
}

func (t *T) trainEpoch(ctx context.Context, epoch int, train *dataset.Split, batchSize int, rng *rand.Rand) (Metrics, error) {
	// Stop the batch producer when a step fails.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	numBatches := train.NumBatches(batchSize)
	var total result
	step := 0
	for b := range train.Batches(ctx, batchSize, rng) {
		r, err := t.trainStep(ctx, b)
		if err != nil {
			return Metrics{}, err
		}
		total.add(r)
		step++
		if step%100 == 0 || step == numBatches {
			m := total.metrics()
			t.logger.V(1).Info("Step", "epoch", epoch, "step", step, "steps", numBatches, "loss", m.Loss, "accuracy", m.Accuracy)
		}
	}
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}
	return total.metrics(), nil
}

// Evaluate returns the loss and accuracy of the network on the split.
func (t *T) Evaluate(ctx context.Context, s *dataset.Split, batchSize int) (Metrics, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var total result
	for b := range s.Batches(ctx, batchSize, nil) {
		r, err := t.run(ctx, b, false)
		if err != nil {
			return Metrics{}, err
		}
		total.add(r)
	}
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}
	return total.metrics(), nil
}

func (t *T) trainStep(ctx context.Context, b *dataset.Batch) (result, error) {
	r, err := t.run(ctx, b, true)
	if err != nil {
		return result{}, err
	}
	if err := t.opt.Step(t.net.Variables(), t.sumGradients()); err != nil {
		return result{}, err
	}
	return r, nil
}

// run runs the network on every sample of the batch, splitting the samples
// across the tapes. When backward is true, the gradients of the mean loss are
// accumulated into the tapes.
func (t *T) run(ctx context.Context, b *dataset.Batch, backward bool) (result, error) {
	n := b.Len()
	workers := min(len(t.tapes), n)
	results := make([]result, workers)
	scale := 1 / float32(n)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		tape := t.tapes[w]
		if backward {
			tape.ZeroGradients()
		}
		g.Go(func() error {
			grad := make([]float32, t.net.OutputShape().Size())
			r := &results[w]
			for i := w; i < n; i += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				probs, err := tape.Forward(b.Image(i))
				if err != nil {
					return err
				}
				label := int(b.Labels[i])
				if pred, _ := nn.Argmax(probs); pred == label {
					r.correct++
				}
				r.loss += float64(nn.SparseCategoricalCrossentropy(probs, label, grad, scale))
				r.n++
				if !backward {
					continue
				}
				if err := tape.Backward(grad); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result{}, err
	}

	var total result
	for _, r := range results {
		total.add(r)
	}
	if backward && workers < len(t.tapes) {
		for _, tape := range t.tapes[workers:] {
			tape.ZeroGradients()
		}
	}
	return total, nil
}

// sumGradients adds the gradients of all tapes into the first one.
func (t *T) sumGradients() [][]float32 {
	dst := t.tapes[0].Gradients()
	for _, tape := range t.tapes[1:] {
		for i, g := range tape.Gradients() {
			d := dst[i]
			for j, v := range g {
				d[j] += v
			}
		}
	}
	return dst
}
