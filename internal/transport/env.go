package transport

import (
	"math/rand"
	"strings"
	"time"
)

// SignalKind enumerates host-environment lifecycle transitions relevant to
// staleness detection.
type SignalKind int

const (
	// SignalHidden fires when the host backgrounds the client.
	SignalHidden SignalKind = iota
	// SignalVisible fires when the client returns to the foreground.
	SignalVisible
	// SignalOnline fires when network connectivity returns.
	SignalOnline
	// SignalResume fires when the host resumes from sleep.
	SignalResume
)

// Signal is one host-environment event.
type Signal struct {
	Kind SignalKind
	At   time.Time
}

// DeviceProfile is a snapshot of the host device used by the auto-transport
// heuristic.
type DeviceProfile struct {
	ViewportWidth int
	CoarsePointer bool
	UserAgent     string
}

// NetworkQuality is a snapshot of the host's network signals.
type NetworkQuality struct {
	// ConnectionType is e.g. "wifi", "cellular", "ethernet".
	ConnectionType string
	// EffectiveType is e.g. "slow-2g", "2g", "3g", "4g".
	EffectiveType string
}

// Environment is the explicit subscription surface a host provides so the
// manager never couples to ambient global listeners. A browser shim, a test
// harness or a server-side simulated client all satisfy it the same way.
type Environment interface {
	Device() DeviceProfile
	Network() NetworkQuality
	// Signals delivers lifecycle events. The channel may be nil when the
	// host has no such notion; staleness detection is then inert.
	Signals() <-chan Signal
}

// StaticEnvironment is a fixed-snapshot Environment with an optional signal
// feed. The zero value describes a desktop on a good network.
type StaticEnvironment struct {
	Profile  DeviceProfile
	Quality  NetworkQuality
	SignalCh chan Signal
}

func (e *StaticEnvironment) Device() DeviceProfile    { return e.Profile }
func (e *StaticEnvironment) Network() NetworkQuality  { return e.Quality }
func (e *StaticEnvironment) Signals() <-chan Signal   { return e.SignalCh }

// MobilePredicate decides whether the environment looks like a mobile device
// on a constrained network. It is a replaceable heuristic, not fixed logic.
type MobilePredicate func(DeviceProfile, NetworkQuality) bool

var mobileUASubstrings = []string{"Mobile", "Android", "iPhone", "iPad"}

// DefaultMobilePredicate approximates "mobile on a slow network": a narrow
// viewport, a coarse pointer or a mobile user agent, combined with a cellular
// or sub-4g connection.
func DefaultMobilePredicate(d DeviceProfile, n NetworkQuality) bool {
	mobile := d.CoarsePointer || (d.ViewportWidth > 0 && d.ViewportWidth < 768)
	if !mobile {
		for _, s := range mobileUASubstrings {
			if strings.Contains(d.UserAgent, s) {
				mobile = true
				break
			}
		}
	}
	if !mobile {
		return false
	}

	switch n.EffectiveType {
	case "slow-2g", "2g", "3g":
		return true
	}
	return n.ConnectionType == "cellular"
}

// backoffDelay computes min(base·2^attempt, cap) plus up to 25% random
// jitter.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if cap <= 0 {
		cap = 8 * time.Second
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
