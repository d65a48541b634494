package plugins

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
)

// CoreVersion is the host's plugin API version. It forms the first half of
// the ABI string.
const CoreVersion = "0.10.0"

// abiVersionEnv overrides the toolchain half of the ABI string, for builds
// where the compiling toolchain differs from the running one.
const abiVersionEnv = "NIMBUS_ABI_GO_VERSION"

var (
	abiOnce   sync.Once
	abiString string
)

// HostABIVersion returns the host's ABI string, "<core_version>:<go_version>"
// (e.g. "0.10.0:go1.25.1"). Computed once and never mutated.
func HostABIVersion() string {
	abiOnce.Do(func() {
		goVersion := runtime.Version()
		if v := os.Getenv(abiVersionEnv); v != "" {
			goVersion = v
		}
		abiString = CoreVersion + ":" + goVersion
	})
	return abiString
}

// MatchPolicy selects how strictly plugin ABI strings are compared.
type MatchPolicy int

const (
	// MatchMajorMinor accepts when the major.minor of both halves agree.
	// This is the default.
	MatchMajorMinor MatchPolicy = iota
	// MatchStrict requires full string equality.
	MatchStrict
	// MatchAny accepts everything. Operator opt-in only.
	MatchAny
)

// ABIMismatchError reports the two strings that failed to match.
type ABIMismatchError struct {
	Host   string
	Plugin string
}

func (e *ABIMismatchError) Error() string {
	return fmt.Sprintf("plugin ABI %q does not match host ABI %q", e.Plugin, e.Host)
}

// CheckABI compares a plugin's ABI string against the host's under the given
// policy.
func CheckABI(pluginABI string, policy MatchPolicy) error {
	host := HostABIVersion()
	switch policy {
	case MatchAny:
		return nil
	case MatchStrict:
		if pluginABI != host {
			return &ABIMismatchError{Host: host, Plugin: pluginABI}
		}
		return nil
	default:
		if !majorMinorEqual(pluginABI, host) {
			return &ABIMismatchError{Host: host, Plugin: pluginABI}
		}
		return nil
	}
}

// majorMinorEqual compares both halves of two "<core>:<toolchain>" strings
// on their major.minor components.
func majorMinorEqual(a, b string) bool {
	ac, at, ok1 := splitABI(a)
	bc, bt, ok2 := splitABI(b)
	if !ok1 || !ok2 {
		return false
	}
	return majorMinor(ac) == majorMinor(bc) && majorMinor(at) == majorMinor(bt)
}

func splitABI(s string) (core, toolchain string, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// majorMinor reduces a version like "0.10.3" or "go1.25.1" to its first two
// numeric-ish components ("0.10", "go1.25").
func majorMinor(v string) string {
	parts := strings.Split(v, ".")
	if len(parts) <= 2 {
		return v
	}
	return parts[0] + "." + parts[1]
}
