package dataset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/llmariner/mnist-serving/common/pkg/imageinput"
	"github.com/llmariner/mnist-serving/trainer/internal/config"
)

const (
	// NumClasses is the number of MNIST classes.
	NumClasses = 10

	trainImagesFile = "train-images-idx3-ubyte.gz"
	trainLabelsFile = "train-labels-idx1-ubyte.gz"
	testImagesFile  = "t10k-images-idx3-ubyte.gz"
	testLabelsFile  = "t10k-labels-idx1-ubyte.gz"
)

// Load returns the train and test splits of the dataset. Missing files are
// downloaded into the data directory first. Both splits are decoded and
// normalized once and kept in memory.
func Load(ctx context.Context, c config.DatasetConfig, logger logr.Logger) (*Split, *Split, error) {
	log := logger.WithName("dataset")
	if c.Name != config.DatasetMNIST {
		return nil, nil, fmt.Errorf("unsupported dataset: %q", c.Name)
	}
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %s", err)
	}

	for _, fn := range []string{trainImagesFile, trainLabelsFile, testImagesFile, testLabelsFile} {
		if err := ensureFile(ctx, c.SourceURL, c.DataDir, fn, log); err != nil {
			return nil, nil, err
		}
	}

	train, err := loadSplit("train", filepath.Join(c.DataDir, trainImagesFile), filepath.Join(c.DataDir, trainLabelsFile))
	if err != nil {
		return nil, nil, err
	}
	test, err := loadSplit("test", filepath.Join(c.DataDir, testImagesFile), filepath.Join(c.DataDir, testLabelsFile))
	if err != nil {
		return nil, nil, err
	}
	log.Info("Loaded dataset", "name", c.Name, "train", train.Len(), "test", test.Len())
	return train, test, nil
}

func loadSplit(name, imagesPath, labelsPath string) (*Split, error) {
	dims, pixels, err := readIDXFile(imagesPath, imagesDims)
	if err != nil {
		return nil, err
	}
	if dims[1] != imageinput.Height || dims[2] != imageinput.Width {
		return nil, fmt.Errorf("%s: image size %dx%d, want %dx%d", imagesPath, dims[1], dims[2], imageinput.Height, imageinput.Width)
	}
	ldims, labels, err := readIDXFile(labelsPath, labelsDims)
	if err != nil {
		return nil, err
	}
	if dims[0] != ldims[0] {
		return nil, fmt.Errorf("%s split: %d images but %d labels", name, dims[0], ldims[0])
	}
	for i, l := range labels {
		if int(l) >= NumClasses {
			return nil, fmt.Errorf("%s split: label %d of sample %d out of range", name, l, i)
		}
	}
	return NewSplit(name, pixels, labels)
}

func ensureFile(ctx context.Context, sourceURL, dir, name string, log logr.Logger) error {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		log.V(1).Info("Using cached dataset file", "path", path)
		return nil
	}

	u, err := url.JoinPath(sourceURL, name)
	if err != nil {
		return fmt.Errorf("build download url: %s", err)
	}
	log.Info("Downloading dataset file", "url", u)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("request creation error: %s", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %s", name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", name, resp.Status)
	}

	f, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("download %s: %s", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	log.Info("Downloaded dataset file", "path", path)
	return nil
}
