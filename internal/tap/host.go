package tap

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"firestige.xyz/wstap/internal/core"
)

// Host guards installation so loading the tap repeatedly in one process
// keeps a single active instance.
type Host struct {
	mu     sync.Mutex
	active *Tap
}

// NewHost creates a Host with no active tap.
func NewHost() *Host {
	return &Host{}
}

// Install builds and activates a tap of the given version unless an equal
// or newer version is already active, in which case the active tap is
// returned with installed == false and build is not called.
func (h *Host) Install(version string, build func() (*Tap, error)) (t *Tap, installed bool, err error) {
	v, err := canonicalVersion(version)
	if err != nil {
		return nil, false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active != nil && semver.Compare(h.active.version, v) >= 0 {
		slog.Info("tap already installed, skipping", "active", h.active.version, "requested", v)
		return h.active, false, nil
	}

	t, err = build()
	if err != nil {
		return nil, false, fmt.Errorf("build tap %s: %w", v, err)
	}
	t.version = v

	if prev := h.active; prev != nil {
		slog.Info("replacing older tap", "previous", prev.version, "version", v)
		prev.Stop()
	}
	h.active = t
	return t, true, nil
}

// Active returns the installed tap, or nil.
func (h *Host) Active() *Tap {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// canonicalVersion accepts "1.2.3" or "v1.2.3".
func canonicalVersion(version string) (string, error) {
	v := strings.TrimSpace(version)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("%w: %q", core.ErrInvalidVersion, version)
	}
	return semver.Canonical(v), nil
}
