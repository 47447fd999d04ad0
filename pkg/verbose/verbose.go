// Package verbose gates byte-level CAT traces behind a process-wide switch.
package verbose

import (
	"strconv"
	"sync/atomic"

	"github.com/dougsko/rigbridge/pkg/logging"
)

var enabled atomic.Bool

// SetEnabled sets the global verbose logging flag
func SetEnabled(enable bool) {
	enabled.Store(enable)
}

// IsEnabled returns whether verbose logging is enabled
func IsEnabled() bool {
	return enabled.Load()
}

// Printf logs a trace line through the debug logger if verbose is enabled
func Printf(component, format string, args ...interface{}) {
	if enabled.Load() {
		logging.Debugf(component, format, args...)
	}
}

// Frame logs a CAT frame in quoted form so control bytes stay visible
func Frame(component, direction string, frame []byte) {
	if enabled.Load() {
		logging.Debugf(component, "%s %s", direction, strconv.Quote(string(frame)))
	}
}
