//go:build linux

// rift-trackerd runs the tracking core against cameras that have
// already been enumerated and opened (udev rules hand the daemon
// usbdevfs nodes; enumeration stays outside the tracking core).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	rift "github.com/RSDNTWK/go-rift-tracker"
	"github.com/RSDNTWK/go-rift-tracker/internal/config"
	"github.com/RSDNTWK/go-rift-tracker/internal/logging"
	"github.com/RSDNTWK/go-rift-tracker/internal/usb"
)

type cameraSpec struct {
	path   string
	vid    uint16
	pid    uint16
	serial string
}

// parseCameraSpec parses "path:vid:pid:serial", e.g.
// "/dev/bus/usb/001/005:2833:0211:WMTD30333300TR".
func parseCameraSpec(s string) (cameraSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return cameraSpec{}, fmt.Errorf("want path:vid:pid:serial, got %q", s)
	}
	vid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return cameraSpec{}, fmt.Errorf("bad vendor id %q: %v", parts[1], err)
	}
	pid, err := strconv.ParseUint(parts[2], 16, 16)
	if err != nil {
		return cameraSpec{}, fmt.Errorf("bad product id %q: %v", parts[2], err)
	}
	return cameraSpec{path: parts[0], vid: uint16(vid), pid: uint16(pid), serial: parts[3]}, nil
}

func main() {
	var (
		configPath = flag.String("config", config.DefaultFileName, "Tracker configuration file")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	var cameras []cameraSpec
	flag.Func("camera", "Camera device as path:vid:pid:serial (repeatable)", func(s string) error {
		spec, err := parseCameraSpec(s)
		if err != nil {
			return err
		}
		cameras = append(cameras, spec)
		return nil
	})
	flag.Parse()

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logConfig))
	logger := logging.Default()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}

	tracker := rift.NewTracker(cfg, nil)
	defer tracker.Close()

	var sensors []*rift.CameraSensor
	for _, spec := range cameras {
		fd, err := syscall.Open(spec.path, syscall.O_RDWR, 0)
		if err != nil {
			logger.Errorf("failed to open %s: %v (check permissions)", spec.path, err)
			continue
		}

		sensor, err := rift.NewCameraSensor(tracker, usb.NewDevfsDevice(fd), spec.vid, spec.pid, spec.serial, nil)
		if err != nil {
			logger.Errorf("sensor %s setup failed: %v", spec.serial, err)
			syscall.Close(fd)
			continue
		}
		if err := tracker.AddSensor(sensor); err != nil {
			logger.Errorf("sensor %s: %v", spec.serial, err)
			sensor.Stop()
			continue
		}
		poolSize := cfg.FramePoolSize
		if err := sensor.Start(poolSize); err != nil {
			logger.Errorf("sensor %s failed to start: %v", spec.serial, err)
			continue
		}
		sensors = append(sensors, sensor)
	}
	logger.Infof("opened %d tracking cameras", len(sensors))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	snap := tracker.Metrics().Snapshot()
	logger.Infof("shutting down: %d exposures (%d dropped), %d pose updates, %d position-only, %d rejected",
		snap.Exposures, snap.DroppedExposures, snap.PoseUpdates, snap.PositionUpdates, snap.RejectedPositions)
	for _, sensor := range sensors {
		stats := sensor.Stats()
		logger.Infof("camera %s: %d frames captured, %d short, %d pool-exhausted, %d transfer errors, %d resubmits",
			sensor.Serial(), stats.FramesCaptured.Load(), stats.ShortFrames.Load(),
			stats.PoolExhausted.Load(), stats.TransferErrors.Load(), stats.Resubmits.Load())
	}
}
