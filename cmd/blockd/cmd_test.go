package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCheckTimeFrom(t *testing.T) {
	// Wednesday 17 January 2024, 14:05
	now := time.Date(2024, 1, 17, 14, 5, 0, 0, time.Local)

	tests := []struct {
		name    string
		day     string
		clock   string
		want    time.Time
		wantErr bool
	}{
		{"time only", "", "21:30", time.Date(2024, 1, 17, 21, 30, 0, 0, time.Local), false},
		{"later this week", "friday", "", time.Date(2024, 1, 19, 14, 5, 0, 0, time.Local), false},
		{"wraps to next week", "mon", "08:00", time.Date(2024, 1, 22, 8, 0, 0, 0, time.Local), false},
		{"same day", "Wednesday", "00:00", time.Date(2024, 1, 17, 0, 0, 0, 0, time.Local), false},
		{"sunday", "sun", "23:59", time.Date(2024, 1, 21, 23, 59, 0, 0, time.Local), false},
		{"bad day", "someday", "", time.Time{}, true},
		{"bad format", "", "2130", time.Time{}, true},
		{"out of range", "", "24:00", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCheckTimeFrom(now, tt.day, tt.clock)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCheckTimeFrom() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("parseCheckTimeFrom() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  type: redis
  redis:
    host: redis.local
    hostname: typo
monitor:
  heartbeat_interval: 2s
  debounce:
    fast: 300ms
logging:
  colour: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys() error = %v", err)
	}

	want := []string{"logging.colour", "storage.redis.hostname"}
	if len(unknown) != len(want) {
		t.Fatalf("findUnknownKeys() = %v, want %v", unknown, want)
	}
	for i := range want {
		if unknown[i] != want[i] {
			t.Errorf("unknown[%d] = %s, want %s", i, unknown[i], want[i])
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := getDefaultConfig()

	if cfg.Storage.Type != "redis" {
		t.Errorf("Storage.Type = %s, want redis", cfg.Storage.Type)
	}
	if cfg.Monitor.BlockThrottle != "1500ms" {
		t.Errorf("Monitor.BlockThrottle = %s, want 1500ms", cfg.Monitor.BlockThrottle)
	}
	if !cfg.Control.Enabled {
		t.Error("Control.Enabled = false, want true")
	}
}

func TestFixedUsage(t *testing.T) {
	u := fixedUsage(29 * time.Minute)
	if got := u.TodayUsage("com.example.social"); got != 29*time.Minute {
		t.Errorf("TodayUsage() = %v, want 29m", got)
	}
}
