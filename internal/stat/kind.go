package stat

import "fmt"

// Kind is the closed set of telemetry event kinds.
type Kind int

const (
	KindDevice Kind = iota
	KindEvent
	KindTiming
	KindException
	KindLauncher
	KindSession
	KindTraffic

	kindCount
)

// DefaultServerURL is the collector base used when none is configured.
const DefaultServerURL = "https://www.cangol.mobi/cmweb/"

// routes maps every kind to its collector path suffix.
// The array length ties the table to kindCount.
var routes = [kindCount]string{
	KindDevice:    "api/countly/device.do",
	KindEvent:     "api/countly/event.do",
	KindTiming:    "api/countly/qos.do",
	KindException: "api/countly/crash.do",
	KindLauncher:  "api/countly/launch.do",
	KindSession:   "api/countly/session.do",
	KindTraffic:   "api/countly/traffic.do",
}

var kindNames = [kindCount]string{
	KindDevice:    "DEVICE",
	KindEvent:     "EVENT",
	KindTiming:    "TIMING",
	KindException: "EXCEPTION",
	KindLauncher:  "LAUNCHER",
	KindSession:   "SESSION",
	KindTraffic:   "TRAFFIC",
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= 0 && k < kindCount
}

// String returns the upper-case kind name.
func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Route returns the collector path suffix for k.
// Params: none.
// Returns: suffix and ErrUnknownKind for undeclared kinds.
func (k Kind) Route() (string, error) {
	if !k.Valid() {
		return "", fmt.Errorf("route %s: %w", k, ErrUnknownKind)
	}
	return routes[k], nil
}

// Kinds returns every declared kind in order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}
