// Package config loads engine settings from YAML.
package config

import (
	"os"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// Semaphore configures the reader admission semaphore.
type Semaphore struct {
	// MaxCount caps concurrently admitted readers.
	MaxCount int64 `yaml:"max_count"`
	// MaxMemory is the buffer memory budget in bytes.
	MaxMemory int64 `yaml:"max_memory"`
	// MaxQueue caps queued admission requests; zero means unlimited.
	MaxQueue int `yaml:"max_queue"`
}

// Engine is the top-level configuration.
type Engine struct {
	// SegmentDir is where flushed segments live.
	SegmentDir string `yaml:"segment_dir"`
	// FlushThreshold is the number of writes a memtable absorbs before it
	// is flushed to a segment.
	FlushThreshold int `yaml:"flush_threshold"`
	// NTPHost, when set, is used to sync the write-timestamp clock.
	NTPHost string `yaml:"ntp_host"`

	ReaderSemaphore Semaphore `yaml:"reader_semaphore"`
}

// Default returns the built-in settings.
func Default() Engine {
	return Engine{
		SegmentDir:     "_segments",
		FlushThreshold: 1024 * 1000,
		ReaderSemaphore: Semaphore{
			MaxCount:  100,
			MaxMemory: 64 * 1024 * 1024,
			MaxQueue:  128,
		},
	}
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (Engine, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Engine{}, errors.Wrap(err, "config: parsing")
	}
	return cfg, nil
}

// Load reads and parses a YAML file.
func Load(path string) (Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, errors.Wrap(err, "config: reading file")
	}
	return Parse(data)
}
