// Package config loads and saves the tracker configuration file
// (rift-tracker.toml): the room-space offset applied to every camera,
// per-camera poses keyed by sensor serial, and tuning for the pose
// output filter and capture buffering.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/RSDNTWK/go-rift-tracker/internal/maths"
)

// DefaultFileName is the default config file name. Load reads whatever
// path it is given; no directory search is done.
const DefaultFileName = "rift-tracker.toml"

// SensorPose is a stored camera pose in room space.
type SensorPose struct {
	Position    [3]float32 `toml:"position"`
	Orientation [4]float32 `toml:"orientation"` // x, y, z, w
}

// Pose converts the stored form to a maths.Pose.
func (s SensorPose) Pose() maths.Pose {
	return maths.Pose{
		Pos: maths.Vec3{X: s.Position[0], Y: s.Position[1], Z: s.Position[2]},
		Orient: maths.Quat{
			X: s.Orientation[0], Y: s.Orientation[1],
			Z: s.Orientation[2], W: s.Orientation[3],
		}.Normalize(),
	}
}

// FromPose converts a maths.Pose to the stored form.
func FromPose(p maths.Pose) SensorPose {
	return SensorPose{
		Position:    [3]float32{p.Pos.X, p.Pos.Y, p.Pos.Z},
		Orientation: [4]float32{p.Orient.X, p.Orient.Y, p.Orient.Z, p.Orient.W},
	}
}

// TrackerConfig is the persisted tracker configuration.
type TrackerConfig struct {
	// RoomCenterOffset shifts every configured camera pose, letting the
	// user recenter the play space without redoing camera calibration.
	RoomCenterOffset [3]float32 `toml:"room_center_offset"`

	// OutputFilterCutoffHz tunes the single-pole smoothing on reported
	// poses. Zero means the built-in default.
	OutputFilterCutoffHz float32 `toml:"output_filter_cutoff_hz"`

	// FramePoolSize is the number of preallocated capture buffers per
	// camera. Zero means the built-in default.
	FramePoolSize int `toml:"frame_pool_size"`

	// Sensors maps camera serial numbers to their calibrated poses.
	Sensors map[string]SensorPose `toml:"sensors"`

	path string
}

// Default returns an empty config with defaults applied.
func Default() *TrackerConfig {
	return &TrackerConfig{
		Sensors: make(map[string]SensorPose),
	}
}

// Load reads the config from path. A missing file yields the default
// config bound to that path, so a later Save creates it.
func Load(path string) (*TrackerConfig, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Sensors == nil {
		cfg.Sensors = make(map[string]SensorPose)
	}
	return cfg, nil
}

// Save writes the config back to the path it was loaded from.
func (c *TrackerConfig) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no backing file")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(c.path)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

// RoomOffset returns the room center offset as a vector.
func (c *TrackerConfig) RoomOffset() maths.Vec3 {
	return maths.Vec3{
		X: c.RoomCenterOffset[0],
		Y: c.RoomCenterOffset[1],
		Z: c.RoomCenterOffset[2],
	}
}

// SensorPoseFor looks up the configured pose for a camera serial, with
// the room offset applied.
func (c *TrackerConfig) SensorPoseFor(serial string) (maths.Pose, bool) {
	sp, ok := c.Sensors[serial]
	if !ok {
		return maths.Pose{}, false
	}
	pose := sp.Pose()
	pose.Pos = pose.Pos.Add(c.RoomOffset())
	return pose, true
}

// SetSensorPose stores a camera pose (room offset removed before
// persisting, so the stored pose stays offset-independent).
func (c *TrackerConfig) SetSensorPose(serial string, pose maths.Pose) {
	pose.Pos = pose.Pos.Sub(c.RoomOffset())
	c.Sensors[serial] = FromPose(pose)
}
