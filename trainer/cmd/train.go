package main

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/stdr"
	"github.com/llmariner/mnist-serving/common/pkg/nn"
	"github.com/llmariner/mnist-serving/common/pkg/savedmodel"
	"github.com/llmariner/mnist-serving/pkg/s3"
	"github.com/llmariner/mnist-serving/trainer/internal/config"
	"github.com/llmariner/mnist-serving/trainer/internal/dataset"
	"github.com/llmariner/mnist-serving/trainer/internal/publisher"
	"github.com/llmariner/mnist-serving/trainer/internal/trainer"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func trainCmd() *cobra.Command {
	var o trainOptions
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the MNIST classifier and save it",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.config(cmd.Flags())
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, &c, o.logLevel)
		},
	}
	o.addFlags(cmd.Flags())
	return cmd
}

// trainOptions holds the flag values of the train command.
type trainOptions struct {
	path     string
	logLevel int
	// flags starts from the defaults. A field only overrides the config
	// file when its flag is set explicitly.
	flags config.Config
}

func (o *trainOptions) addFlags(fs *pflag.FlagSet) {
	o.flags = config.Default()
	f := &o.flags
	fs.StringVar(&o.path, "config", "", "Path to the config file")
	fs.IntVar(&f.BatchSize, "batch_size", f.BatchSize, "Batch size")
	fs.IntVar(&f.Epochs, "epochs", f.Epochs, "Number of epochs")
	fs.Float64Var(&f.LearningRate, "learning_rate", f.LearningRate, "Learning rate of the Adam optimizer")
	fs.StringVar(&f.OutputPath, "output_path", f.OutputPath, "Directory the saved model is written to")
	fs.StringVar(&f.Dataset.DataDir, "data_dir", f.Dataset.DataDir, "Directory the dataset files are cached in")
	fs.IntVar(&f.Workers, "workers", f.Workers, "Number of gradient workers")
	fs.Uint64Var(&f.Seed, "seed", f.Seed, "Random seed")
	fs.IntVar(&o.logLevel, "v", 0, "Log level")
}

// config reads the config file, if any, and applies the flags set in fs.
func (o *trainOptions) config(fs *pflag.FlagSet) (config.Config, error) {
	c := config.Default()
	if o.path != "" {
		var err error
		if c, err = config.Parse(o.path); err != nil {
			return config.Config{}, err
		}
	}
	f := o.flags
	if fs.Changed("batch_size") {
		c.BatchSize = f.BatchSize
	}
	if fs.Changed("epochs") {
		c.Epochs = f.Epochs
	}
	if fs.Changed("learning_rate") {
		c.LearningRate = f.LearningRate
	}
	if fs.Changed("output_path") {
		c.OutputPath = f.OutputPath
	}
	if fs.Changed("data_dir") {
		c.Dataset.DataDir = f.Dataset.DataDir
	}
	if fs.Changed("workers") {
		c.Workers = f.Workers
	}
	if fs.Changed("seed") {
		c.Seed = f.Seed
	}
	return c, nil
}

func run(ctx context.Context, c *config.Config, lv int) error {
	stdr.SetVerbosity(lv)
	logger := stdr.New(log.Default())
	log := logger.WithName("boot")

	train, test, err := dataset.Load(ctx, c.Dataset, logger)
	if err != nil {
		return err
	}
	log.Info("Loaded dataset", "train", train.Len(), "test", test.Len())

	rng := rand.New(rand.NewPCG(c.Seed, c.Seed))
	net, err := trainer.BuildModel(rng)
	if err != nil {
		return err
	}

	start := time.Now()
	t := trainer.New(net, nn.NewAdam(c.LearningRate), c.Workers, logger)
	history, err := t.Fit(ctx, train, test, c.Epochs, c.BatchSize, rng)
	if err != nil {
		return fmt.Errorf("train: %s", err)
	}
	log.Info("Finished training", "epochs", c.Epochs, "duration", time.Since(start))

	if err := savedmodel.Save(c.OutputPath, net, &savedmodel.TrainingSummary{
		Epochs:       c.Epochs,
		BatchSize:    c.BatchSize,
		LearningRate: c.LearningRate,
		History:      history,
	}); err != nil {
		return fmt.Errorf("save model: %s", err)
	}
	log.Info("Saved model", "path", c.OutputPath)

	if c.ObjectStore == nil {
		return nil
	}
	s3Client, err := s3.NewClient(ctx, c.ObjectStore.S3)
	if err != nil {
		return err
	}
	return publisher.New(s3Client, c.ObjectStore.Prefix, logger).Publish(ctx, c.OutputPath)
}
