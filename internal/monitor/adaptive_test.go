package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Fast:                  500 * time.Millisecond,
		Balanced:              800 * time.Millisecond,
		Conservative:          1200 * time.Millisecond,
		SampleInterval:        10 * time.Second,
		MemoryPressurePercent: 85,
	}
}

func TestAdaptiveDebounce_Choose(t *testing.T) {
	a := NewAdaptiveDebounce(testAdaptiveConfig(), func(context.Context) (HostLoad, error) {
		return HostLoad{}, nil
	}, zerolog.Nop())

	tests := []struct {
		name string
		load HostLoad
		want time.Duration
	}{
		{"idle", HostLoad{CPU: 10, Memory: 40}, 500 * time.Millisecond},
		{"moderate", HostLoad{CPU: 50, Memory: 40}, 800 * time.Millisecond},
		{"busy", HostLoad{CPU: 80, Memory: 40}, 1200 * time.Millisecond},
		{"memory pressure", HostLoad{CPU: 5, Memory: 90}, 1200 * time.Millisecond},
		{"at pressure threshold", HostLoad{CPU: 5, Memory: 85}, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Choose(tt.load); got != tt.want {
				t.Errorf("Choose(%+v) = %v, want %v", tt.load, got, tt.want)
			}
		})
	}
}

func TestAdaptiveDebounce_Update(t *testing.T) {
	load := HostLoad{CPU: 95}
	var fail bool
	a := NewAdaptiveDebounce(testAdaptiveConfig(), func(context.Context) (HostLoad, error) {
		if fail {
			return HostLoad{}, errors.New("unavailable")
		}
		return load, nil
	}, zerolog.Nop())

	if got := a.Window(); got != 800*time.Millisecond {
		t.Errorf("initial window = %v, want balanced", got)
	}

	a.Update(context.Background())
	if got := a.Window(); got != 1200*time.Millisecond {
		t.Errorf("window = %v, want conservative", got)
	}

	load = HostLoad{CPU: 5}
	a.Update(context.Background())
	if got := a.Window(); got != 500*time.Millisecond {
		t.Errorf("window = %v, want fast", got)
	}

	fail = true
	a.Update(context.Background())
	if got := a.Window(); got != 500*time.Millisecond {
		t.Errorf("window changed on sample error: %v", got)
	}
}

func TestFixedWindow(t *testing.T) {
	if got := FixedWindow(time.Second).Window(); got != time.Second {
		t.Errorf("Window() = %v", got)
	}
}

func TestAdaptiveDebounce_ZeroSampleIntervalRuns(t *testing.T) {
	cfg := testAdaptiveConfig()
	cfg.SampleInterval = 0
	a := NewAdaptiveDebounce(cfg, func(context.Context) (HostLoad, error) {
		return HostLoad{CPU: 5}, nil
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
