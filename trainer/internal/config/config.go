package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/llmariner/mnist-serving/pkg/s3"
	"gopkg.in/yaml.v3"
)

const (
	// DatasetMNIST is the only supported dataset.
	DatasetMNIST = "mnist"

	defaultSourceURL = "https://storage.googleapis.com/cvdf-datasets/mnist/"
)

// DatasetConfig is the dataset configuration.
type DatasetConfig struct {
	Name string `yaml:"name"`
	// DataDir is the directory where the dataset files are cached.
	DataDir string `yaml:"dataDir"`
	// SourceURL is the base URL the dataset files are downloaded from when
	// they are missing in DataDir.
	SourceURL string `yaml:"sourceUrl"`
}

func (c *DatasetConfig) validate() error {
	if c.Name != DatasetMNIST {
		return fmt.Errorf("unsupported dataset: %q", c.Name)
	}
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must be set")
	}
	if c.SourceURL == "" {
		c.SourceURL = defaultSourceURL
	}
	return nil
}

// ObjectStoreConfig is the object store configuration.
type ObjectStoreConfig struct {
	S3 s3.Config `yaml:"s3"`
	// Prefix is the key prefix the saved model files are uploaded under.
	Prefix string `yaml:"prefix"`
}

func (c *ObjectStoreConfig) validate() error {
	if err := c.S3.Validate(); err != nil {
		return err
	}
	if c.Prefix == "" {
		return fmt.Errorf("prefix must be set")
	}
	return nil
}

// Config is the configuration.
type Config struct {
	Dataset DatasetConfig `yaml:"dataset"`

	BatchSize    int     `yaml:"batchSize"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learningRate"`
	OutputPath   string  `yaml:"outputPath"`

	// Workers is the number of goroutines that compute gradients of a batch.
	Workers int `yaml:"workers"`
	// Seed seeds weight initialization and shuffling.
	Seed uint64 `yaml:"seed"`

	ObjectStore *ObjectStoreConfig `yaml:"objectStore"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Dataset: DatasetConfig{
			Name:      DatasetMNIST,
			DataDir:   "data/mnist",
			SourceURL: defaultSourceURL,
		},
		BatchSize:    64,
		Epochs:       5,
		LearningRate: 5e-4,
		OutputPath:   "saved_model",
		Workers:      runtime.GOMAXPROCS(0),
		Seed:         1,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Dataset.validate(); err != nil {
		return fmt.Errorf("dataset: %s", err)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be greater than 0")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be greater than 0")
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learningRate must be greater than 0")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("outputPath must be set")
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.ObjectStore != nil {
		if err := c.ObjectStore.validate(); err != nil {
			return fmt.Errorf("objectStore: %s", err)
		}
	}
	return nil
}

// Parse parses the configuration file at the given path, returning a new
// Config struct. Fields missing in the file keep their default values.
func Parse(path string) (Config, error) {
	config := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("config: read: %s", err)
	}

	if err = yaml.Unmarshal(b, &config); err != nil {
		return config, fmt.Errorf("config: unmarshal: %s", err)
	}
	return config, nil
}
