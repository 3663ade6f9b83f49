package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RSDNTWK/go-rift-tracker/internal/maths"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Sensors) != 0 {
		t.Errorf("expected empty sensor map, got %d entries", len(cfg.Sensors))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rift-tracker.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.RoomCenterOffset = [3]float32{0, 0, 1.5}
	cfg.OutputFilterCutoffHz = 15
	cfg.SetSensorPose("WMTD303", maths.Pose{
		Pos:    maths.Vec3{X: 1, Y: 2, Z: 2.5},
		Orient: maths.QuatIdentity(),
	})
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("re-Load: %v", err)
	}
	if loaded.OutputFilterCutoffHz != 15 {
		t.Errorf("cutoff = %v, want 15", loaded.OutputFilterCutoffHz)
	}

	pose, ok := loaded.SensorPoseFor("WMTD303")
	if !ok {
		t.Fatal("sensor pose missing after round trip")
	}
	// SetSensorPose removed the room offset; SensorPoseFor adds it back
	if pose.Pos.Z < 2.49 || pose.Pos.Z > 2.51 {
		t.Errorf("pose Z = %v, want 2.5", pose.Pos.Z)
	}
}

func TestSensorPoseForUnknownSerial(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.SensorPoseFor("NOPE"); ok {
		t.Error("unknown serial should not resolve")
	}
}

func TestParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("not [valid toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
