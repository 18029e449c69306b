// Package syncconfig loads the two configuration inputs the tool reads
// from disk: the expected-pulse metadata file (JSON, spec §6, produced
// by the out-of-scope test-sequence generator) and an optional run
// config overriding transition timeouts and the dispersion ceiling
// (YAML, in the teacher's gopkg.in/yaml.v3 style from src/deviceid.go).
package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata is the decoded shape of the expected-pulse list (spec §6).
type Metadata struct {
	EventCentreTimes       []float64 `json:"eventCentreTimes"`
	DurationSecs           int       `json:"durationSecs"`
	PatternWindowLength    int       `json:"patternWindowLength"`
	FPS                    float64   `json:"fps"`
	Size                   [2]int    `json:"size"`
	ApproxFlashDurationSec float64   `json:"approxFlashDurationSecs"`
	ApproxBeepDurationSec  float64   `json:"approxBeepDurationSecs"`
}

func LoadMetadata(path string) (Metadata, error) {
	var m Metadata

	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("syncconfig: reading metadata %q: %w", path, err)
	}

	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("syncconfig: parsing metadata %q: %w", path, err)
	}

	if m.PatternWindowLength <= 0 {
		return m, fmt.Errorf("syncconfig: metadata %q: patternWindowLength must be positive", path)
	}
	if len(m.EventCentreTimes) == 0 {
		return m, fmt.Errorf("syncconfig: metadata %q: eventCentreTimes is empty", path)
	}

	return m, nil
}

// ExpectedDuration is durationSecs, falling back to 2^N-1 (spec §3) when
// the metadata omits it.
func (m Metadata) ExpectedDuration() int {
	if m.DurationSecs > 0 {
		return m.DurationSecs
	}
	return (1 << uint(m.PatternWindowLength)) - 1
}
