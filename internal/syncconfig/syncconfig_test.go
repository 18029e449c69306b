package syncconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRunConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadRunConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != DefaultRunConfig() {
		t.Errorf("got %+v, want defaults", cfg)
	}
}

func TestLoadRunConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	if err := os.WriteFile(path, []byte("dispersionCeilingMs: 50\ntimeouts:\n  waitPeer: 5s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadRunConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DispersionCeilingMs != 50 {
		t.Errorf("DispersionCeilingMs = %v, want 50", cfg.DispersionCeilingMs)
	}
	if cfg.Timeouts.WaitPeer != 5*time.Second {
		t.Errorf("Timeouts.WaitPeer = %v, want 5s", cfg.Timeouts.WaitPeer)
	}
	// Fields absent from the override file keep their defaults.
	if cfg.Timeouts.Syncing != DefaultRunConfig().Timeouts.Syncing {
		t.Errorf("Timeouts.Syncing = %v, want default %v", cfg.Timeouts.Syncing, DefaultRunConfig().Timeouts.Syncing)
	}
}

func TestLoadRunConfigMissingFile(t *testing.T) {
	if _, err := LoadRunConfig("/nonexistent/run.yaml"); err == nil {
		t.Error("expected an error for a missing run config file")
	}
}

func TestLoadMetadataRejectsMissingPatternWindowLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")
	if err := os.WriteFile(path, []byte(`{"eventCentreTimes": [0.5]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMetadata(path); err == nil {
		t.Error("expected an error for patternWindowLength <= 0")
	}
}

func TestLoadMetadataRejectsEmptyEventCentreTimes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")
	if err := os.WriteFile(path, []byte(`{"patternWindowLength": 7}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMetadata(path); err == nil {
		t.Error("expected an error for empty eventCentreTimes")
	}
}

func TestLoadMetadataValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")
	body := `{"eventCentreTimes": [0.1, 0.2], "patternWindowLength": 7, "approxFlashDurationSecs": 0.02}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	md, err := LoadMetadata(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(md.EventCentreTimes) != 2 || md.PatternWindowLength != 7 {
		t.Errorf("got %+v", md)
	}
}

func TestExpectedDurationFallsBackToPatternWindowLength(t *testing.T) {
	m := Metadata{PatternWindowLength: 7}
	if got := m.ExpectedDuration(); got != 127 {
		t.Errorf("ExpectedDuration() = %d, want 127", got)
	}
}

func TestExpectedDurationUsesExplicitValue(t *testing.T) {
	m := Metadata{PatternWindowLength: 7, DurationSecs: 30}
	if got := m.ExpectedDuration(); got != 30 {
		t.Errorf("ExpectedDuration() = %d, want 30", got)
	}
}
