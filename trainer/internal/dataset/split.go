package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/llmariner/mnist-serving/common/pkg/imageinput"
)

// prefetchBatches is the number of batches prepared ahead of the consumer.
const prefetchBatches = 4

// NewSplit creates a split from raw pixels (one byte per pixel, 28x28 per
// sample) and labels. Pixels are normalized to [0, 1].
func NewSplit(name string, pixels, labels []byte) (*Split, error) {
	if len(pixels) != len(labels)*imageinput.Size {
		return nil, fmt.Errorf("%s split: %d pixels for %d labels", name, len(pixels), len(labels))
	}
	images := make([]float32, len(pixels))
	for i, p := range pixels {
		images[i] = imageinput.Normalize(p)
	}
	return &Split{
		Name:   name,
		Images: images,
		Labels: append([]uint8(nil), labels...),
	}, nil
}

// Split is a named partition of the dataset held in memory.
type Split struct {
	Name   string
	Images []float32
	Labels []uint8
}

// Len returns the number of samples.
func (s *Split) Len() int { return len(s.Labels) }

// Batch is a group of consecutive samples.
type Batch struct {
	// Images holds the samples in (n, 28, 28, 1) order.
	Images []float32
	Labels []uint8
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int { return len(b.Labels) }

// Shape returns the shape of the image batch.
func (b *Batch) Shape() [4]int {
	return [4]int{b.Len(), imageinput.Height, imageinput.Width, imageinput.Channels}
}

// Image returns the i-th image of the batch.
func (b *Batch) Image(i int) []float32 {
	return b.Images[i*imageinput.Size : (i+1)*imageinput.Size]
}

// Batches returns the samples grouped into batches of batchSize. Only the last
// batch may be smaller. When rng is not nil, the samples are visited in a new
// random order; otherwise in order. Batches are prepared by a goroutine ahead
// of the consumer. The channel is closed once all batches have been sent or ctx
// is done.
func (s *Split) Batches(ctx context.Context, batchSize int, rng *rand.Rand) <-chan *Batch {
	order := make([]int, s.Len())
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	ch := make(chan *Batch, prefetchBatches)
	go func() {
		defer close(ch)
		for start := 0; start < len(order); start += batchSize {
			if ctx.Err() != nil {
				return
			}
			end := min(start+batchSize, len(order))
			b := &Batch{
				Images: make([]float32, 0, (end-start)*imageinput.Size),
				Labels: make([]uint8, 0, end-start),
			}
			for _, idx := range order[start:end] {
				b.Images = append(b.Images, s.Images[idx*imageinput.Size:(idx+1)*imageinput.Size]...)
				b.Labels = append(b.Labels, s.Labels[idx])
			}
			select {
			case ch <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// NumBatches returns the number of batches of the given size.
func (s *Split) NumBatches(batchSize int) int {
	return (s.Len() + batchSize - 1) / batchSize
}
