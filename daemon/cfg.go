package daemon

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/vcache-platform/vcache/common/logging"
)

// Config represents the main configuration structure for the cache daemon.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// MinAvgObjectSize sizes the per-volume fragment index budget: the
	// smaller the expected objects, the more index memory a volume gets.
	MinAvgObjectSize datasize.ByteSize `yaml:"min_avg_object_size"`
	// NumReadWorkers is the AIO read worker pool size per volume.
	NumReadWorkers int `yaml:"num_read_workers"`
	// SyncInterval is the period of the asynchronous metadata sync.
	SyncInterval time.Duration `yaml:"sync_interval"`
	// StatsInterval is the period of the operational stats log line.
	StatsInterval time.Duration `yaml:"stats_interval"`
	// DirectIO toggles O_DIRECT|O_DSYNC volume access.
	DirectIO bool `yaml:"direct_io"`
	// Volumes are the block devices or files to run cache instances on.
	Volumes []VolumeConfig `yaml:"volumes"`
}

// VolumeConfig describes one cache volume.
type VolumeConfig struct {
	// Path to the block device or regular file.
	Path string `yaml:"path"`
	// Reset forces a clean init of the volume on startup, discarding its
	// content.
	Reset bool `yaml:"reset"`
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with default configuration.
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	if len(cfg.Volumes) == 0 {
		return nil, fmt.Errorf("no volumes configured")
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MinAvgObjectSize: 16 * datasize.KB,
		NumReadWorkers:   7,
		SyncInterval:     30 * time.Second,
		StatsInterval:    5 * time.Minute,
		DirectIO:         true,
	}
}
