package usage

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Class is how the tracker treats a foreground package.
type Class int

const (
	// ClassForeground is an ordinary app that opens a session.
	ClassForeground Class = iota
	// ClassHost is the blocker's own UI. It ends the session.
	ClassHost
	// ClassInterruption is system noise (keyboards, system UI, permission
	// dialogs). It is ignored.
	ClassInterruption
	// ClassStopper is a launcher. It ends the session.
	ClassStopper
)

func (c Class) String() string {
	switch c {
	case ClassHost:
		return "host"
	case ClassInterruption:
		return "interruption"
	case ClassStopper:
		return "stopper"
	default:
		return "foreground"
	}
}

var interruptionPackages = map[string]bool{
	"com.android.systemui":                 true,
	"android":                              true,
	"com.google.android.inputmethod.latin": true,
	"com.samsung.android.honeyboard":       true,
	"com.google.android.packageinstaller":  true,
	"com.android.permissioncontroller":     true,
}

var stopperPackages = map[string]bool{
	"com.miui.home":                         true,
	"com.sec.android.app.launcher":          true,
	"com.google.android.apps.nexuslauncher": true,
}

const (
	classCacheSize = 256
	classCacheTTL  = 10 * time.Minute
	launcherKey    = "default"
)

// LauncherResolver returns the device's default launcher package, or "" when
// it cannot be determined.
type LauncherResolver func() string

// Classifier sorts packages into classes. The resolved default launcher and
// per-package results are cached for classCacheTTL.
type Classifier struct {
	host     string
	resolve  LauncherResolver
	launcher *expirable.LRU[string, string]
	classes  *expirable.LRU[string, Class]
}

// NewClassifier creates a classifier. resolve may be nil.
func NewClassifier(hostPackage string, resolve LauncherResolver) *Classifier {
	return &Classifier{
		host:     hostPackage,
		resolve:  resolve,
		launcher: expirable.NewLRU[string, string](1, nil, classCacheTTL),
		classes:  expirable.NewLRU[string, Class](classCacheSize, nil, classCacheTTL),
	}
}

// Host returns the host package name.
func (c *Classifier) Host() string {
	return c.host
}

// DefaultLauncher resolves the default launcher lazily.
func (c *Classifier) DefaultLauncher() string {
	if name, ok := c.launcher.Get(launcherKey); ok {
		return name
	}
	var name string
	if c.resolve != nil {
		name = c.resolve()
	}
	c.launcher.Add(launcherKey, name)
	return name
}

// Classify returns pkg's class.
func (c *Classifier) Classify(pkg string) Class {
	if pkg == c.host {
		return ClassHost
	}
	if class, ok := c.classes.Get(pkg); ok {
		return class
	}

	class := ClassForeground
	switch {
	case IsInterruption(pkg):
		class = ClassInterruption
	case c.isStopper(pkg):
		class = ClassStopper
	}
	c.classes.Add(pkg, class)
	return class
}

// IsInterruption reports whether pkg is transient system UI that must not
// affect the session.
func IsInterruption(pkg string) bool {
	return interruptionPackages[pkg] || strings.Contains(pkg, "inputmethod")
}

func (c *Classifier) isStopper(pkg string) bool {
	if stopperPackages[pkg] || strings.Contains(pkg, "launcher") {
		return true
	}
	launcher := c.DefaultLauncher()
	return launcher != "" && pkg == launcher
}
