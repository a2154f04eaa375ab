package config

import (
	"fmt"
	"os"
	"time"

	"github.com/llmariner/mnist-serving/pkg/s3"
	"github.com/llmariner/mnist-serving/server/internal/rate"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPPort                = 8080
	defaultMonitoringPort          = 8081
	defaultGracefulShutdownTimeout = 30 * time.Second
)

// Config is the configuration.
type Config struct {
	HTTPPort       int `yaml:"httpPort"`
	MonitoringPort int `yaml:"monitoringPort"`

	// ModelDir is the directory of the saved model bundle.
	ModelDir string `yaml:"modelDir"`

	// ObjectStore is set when the bundle is downloaded into ModelDir at startup.
	ObjectStore *ObjectStoreConfig `yaml:"objectStore"`

	// WatchModelDir enables reloading the bundle when it is rewritten.
	WatchModelDir bool `yaml:"watchModelDir"`

	RateLimit rate.Config `yaml:"rateLimit"`

	// GracefulShutdownTimeout is the duration given to in-flight requests
	// before the servers are closed. Default is 30 seconds.
	GracefulShutdownTimeout time.Duration `yaml:"gracefulShutdownTimeout"`
}

// ObjectStoreConfig is the object store configuration.
type ObjectStoreConfig struct {
	S3 s3.Config `yaml:"s3"`
	// Prefix is the key prefix of the bundle files.
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

// Default returns the default configuration.
func Default() Config {
	return Config{
		HTTPPort:                defaultHTTPPort,
		MonitoringPort:          defaultMonitoringPort,
		ModelDir:                "saved_model",
		GracefulShutdownTimeout: defaultGracefulShutdownTimeout,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 {
		return fmt.Errorf("httpPort must be greater than 0")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoringPort must not be negative")
	}
	if c.MonitoringPort != 0 && c.MonitoringPort == c.HTTPPort {
		return fmt.Errorf("monitoringPort must differ from httpPort")
	}
	if c.ModelDir == "" {
		return fmt.Errorf("modelDir must be set")
	}
	if c.ObjectStore != nil {
		if err := c.ObjectStore.validate(); err != nil {
			return fmt.Errorf("objectStore: %s", err)
		}
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rateLimit: %s", err)
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = defaultGracefulShutdownTimeout
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
