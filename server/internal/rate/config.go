package rate

import (
	"fmt"
	"os"
	"time"
)

const (
	storeTypeMemory = "memory"
	storeTypeRedis  = "redis"
)

// Config is the configuration for the prediction rate limiter.
type Config struct {
	Enable bool `yaml:"enable"`

	StoreType string `yaml:"storeType"`

	Redis *RedisStoreConfig `yaml:"redis"`

	// Rate is the number of requests a client may send per period.
	Rate int `yaml:"rate"`
	// Period is the time period for the rate.
	Period time.Duration `yaml:"period"`
	// Burst is the number of requests a client may send at once.
	Burst int `yaml:"burst"`
}

// intervalSec returns the interval between two requests in seconds.
func (c *Config) intervalSec() float64 {
	return c.Period.Seconds() / float64(c.Rate)
}

// burstOffset returns the time span covered by the burst in seconds.
func (c *Config) burstOffset() float64 {
	return float64(c.Burst) * c.intervalSec()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Enable {
		return nil
	}

	switch c.StoreType {
	case storeTypeRedis:
		if c.Redis == nil {
			return fmt.Errorf("redis must be set")
		}
		if err := c.Redis.validate(); err != nil {
			return fmt.Errorf("redis: %s", err)
		}
	case "":
		c.StoreType = storeTypeMemory
	case storeTypeMemory:
	default:
		return fmt.Errorf("unknown store type: %s", c.StoreType)
	}

	if c.Rate <= 0 {
		return fmt.Errorf("rate must be greater than 0")
	}
	if c.Period <= 0 {
		return fmt.Errorf("period must be greater than 0")
	}
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be greater than 0")
	}
	return nil
}

// RedisStoreConfig is the configuration of the Redis store.
type RedisStoreConfig struct {
	// Address is a host:port address.
	Address string `yaml:"address"`

	Username string `yaml:"username"`
	// Password is read from REDIS_PASSWORD.
	Password string `yaml:"-"`
	Database int    `yaml:"database"`
}

func (c *RedisStoreConfig) validate() error {
	if c.Address == "" {
		return fmt.Errorf("address must be set")
	}
	c.Password = os.Getenv("REDIS_PASSWORD")
	return nil
}
