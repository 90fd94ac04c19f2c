package systemd

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Listener names, set with FileDescriptorName= in blockd.socket
const (
	ControlSocketName = "control"
	MetricsSocketName = "metrics"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	Control   net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors
// Returns nil listeners if not running under socket activation
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	fds := activation.Files(false) // false = don't unset env vars
	if len(fds) == 0 {
		return listeners, nil
	}

	listeners.Activated = true

	// Requires systemd 227+
	listenersMap, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns, ok := listenersMap[ControlSocketName]; ok && len(lns) > 0 {
		listeners.Control = lns[0]
	}
	if lns, ok := listenersMap[MetricsSocketName]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners, nil
}

// IsSystemdService reports whether the process was started with a notify
// socket.
func IsSystemdService() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}

// NotifyReady sends READY=1 notification to systemd
// This tells systemd that the service has finished starting up
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// RunWatchdog pings the systemd watchdog at half its timeout until ctx is
// done. It returns immediately when WatchdogSec= is not configured.
func RunWatchdog(ctx context.Context, logger zerolog.Logger) error {
	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	if timeout <= 0 {
		return nil
	}

	interval := timeout / 2
	logger.Info().Dur("interval", interval).Msg("Systemd watchdog enabled")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Watchdog notification failed")
			}
		}
	}
}
