package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Elgammal1299/block-app/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// DebounceWindow supplies the current event debounce window.
type DebounceWindow interface {
	Window() time.Duration
}

// FixedWindow is a constant debounce window.
type FixedWindow time.Duration

// Window returns w.
func (w FixedWindow) Window() time.Duration {
	return time.Duration(w)
}

// DefaultSampleInterval is used when AdaptiveConfig.SampleInterval is unset.
const DefaultSampleInterval = 10 * time.Second

// AdaptiveConfig holds the adaptive debounce tiers
type AdaptiveConfig struct {
	Fast                  time.Duration
	Balanced              time.Duration
	Conservative          time.Duration
	SampleInterval        time.Duration
	MemoryPressurePercent float64
}

// HostLoad is one sample of host utilisation in percent.
type HostLoad struct {
	CPU    float64
	Memory float64
}

// Sampler measures host load.
type Sampler func(ctx context.Context) (HostLoad, error)

// AdaptiveDebounce widens the debounce window as the host gets busier.
type AdaptiveDebounce struct {
	cfg    AdaptiveConfig
	sample Sampler
	window atomic.Int64
	logger zerolog.Logger
}

// NewAdaptiveDebounce creates an adaptive window starting at the balanced
// tier. sample defaults to gopsutil.
func NewAdaptiveDebounce(cfg AdaptiveConfig, sample Sampler, logger zerolog.Logger) *AdaptiveDebounce {
	if sample == nil {
		sample = SampleHost
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	a := &AdaptiveDebounce{
		cfg:    cfg,
		sample: sample,
		logger: logger.With().Str("component", "debounce").Logger(),
	}
	a.set(cfg.Balanced)
	return a
}

// Window returns the current window.
func (a *AdaptiveDebounce) Window() time.Duration {
	return time.Duration(a.window.Load())
}

func (a *AdaptiveDebounce) set(d time.Duration) {
	if old := time.Duration(a.window.Swap(int64(d))); old != d {
		a.logger.Debug().Dur("window", d).Msg("Debounce window changed")
	}
	metrics.DebounceWindowSeconds.Set(d.Seconds())
}

// Choose maps a load sample to a window.
func (a *AdaptiveDebounce) Choose(load HostLoad) time.Duration {
	switch {
	case load.Memory > a.cfg.MemoryPressurePercent:
		return a.cfg.Conservative
	case load.CPU < 50:
		return a.cfg.Fast
	case load.CPU < 80:
		return a.cfg.Balanced
	default:
		return a.cfg.Conservative
	}
}

// Update takes one sample and applies it. On a sampling error the window
// is left unchanged.
func (a *AdaptiveDebounce) Update(ctx context.Context) {
	load, err := a.sample(ctx)
	if err != nil {
		a.logger.Debug().Err(err).Msg("Host load sample failed")
		return
	}
	a.set(a.Choose(load))
}

// Run samples host load every SampleInterval until ctx is done.
func (a *AdaptiveDebounce) Run(ctx context.Context) error {
	a.Update(ctx)

	ticker := time.NewTicker(a.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Update(ctx)
		}
	}
}

// SampleHost reads CPU and memory utilisation with gopsutil. CPU is measured
// since the previous call.
func SampleHost(ctx context.Context) (HostLoad, error) {
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostLoad{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostLoad{}, err
	}

	load := HostLoad{Memory: vm.UsedPercent}
	if len(cpus) > 0 {
		load.CPU = cpus[0]
	}
	return load, nil
}
