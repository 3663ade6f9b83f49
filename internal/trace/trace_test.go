package trace

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDisabledWithoutEnv(t *testing.T) {
	t.Setenv(EnvTraceDir, "")
	w := NewDeviceWriter("rift-device-0")
	if w != nil {
		t.Fatal("expected nil writer without trace dir")
	}
	// All operations are safe on the nil writer
	w.Push(IMURecord{Type: "imu"})
	if err := w.Close(); err != nil {
		t.Errorf("Close on nil writer: %v", err)
	}
}

func TestWritesOneRecordPerLine(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvTraceDir, dir)

	w := NewDeviceWriter("rift-device-0")
	if w == nil {
		t.Fatal("expected writer with trace dir set")
	}
	w.Push(DeviceRecord{Type: "device", DeviceID: 0})
	w.Push(IMURecord{Type: "imu", DeviceTS: 123})
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "rift-device-0"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d records, want 2", len(lines))
	}
	if lines[0]["type"] != "device" || lines[1]["type"] != "imu" {
		t.Errorf("unexpected record order: %v", lines)
	}
	if lines[1]["device-ts"] != float64(123) {
		t.Errorf("device-ts = %v, want 123", lines[1]["device-ts"])
	}
}
