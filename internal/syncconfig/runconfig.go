package syncconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Timeouts holds one timeout per orchestrator state (spec §4.10). The
// orchestrator applies only WaitPeer and Syncing; Arming, Sampling,
// Uploading and Analysing are loaded but not used (the 'S' command is
// bounded by samplerlink.SampleWindowTimeout instead).
type Timeouts struct {
	Arming     time.Duration `yaml:"arming"`
	WaitPeer   time.Duration `yaml:"waitPeer"`
	Syncing    time.Duration `yaml:"syncing"`
	Sampling   time.Duration `yaml:"sampling"`
	Uploading  time.Duration `yaml:"uploading"`
	Analysing  time.Duration `yaml:"analysing"`
}

// RunConfig is the orchestrator-local configuration struct passed
// explicitly to every component at construction (design note §9); it
// replaces any notion of global configuration singletons.
type RunConfig struct {
	Timeouts            Timeouts `yaml:"timeouts"`
	DispersionCeilingMs float64  `yaml:"dispersionCeilingMs"`
	WallClockPollSecs   float64  `yaml:"wallClockPollSecs"`
}

func DefaultRunConfig() RunConfig {
	return RunConfig{
		Timeouts: Timeouts{
			Arming:    5 * time.Second,
			WaitPeer:  30 * time.Second,
			Syncing:   60 * time.Second,
			Sampling:  60 * time.Second,
			Uploading: 15 * time.Second,
			Analysing: 10 * time.Second,
		},
		DispersionCeilingMs: 100,
		WallClockPollSecs:   1,
	}
}

// LoadRunConfig reads an optional YAML override file on top of the
// defaults. An empty path returns the defaults unchanged.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("syncconfig: reading run config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("syncconfig: parsing run config %q: %w", path, err)
	}

	return cfg, nil
}
