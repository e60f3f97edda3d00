package host

import "bytes"

// DefaultStormPattern matches the CSI 8 resize escape family
// (ESC [ 8 ; rows ; cols t). A shell stuck in a resize feedback loop emits
// these back-to-back and can flood the transport.
var DefaultStormPattern = []byte("\x1b[8;")

// DefaultStormThreshold is how many pattern sightings within the recent
// output window count as a storm. Tuned against observed incidents, not a
// hard truth; override via Config.
const DefaultStormThreshold = 5

// stormWindowSize bounds how much pattern-bearing output is remembered.
const stormWindowSize = 4096

// stormFilter detects runaway resize-escape loops in one terminal's output.
// Any payload without the pattern resets the window: storms are bursts, and
// normal output in between means the loop has broken.
type stormFilter struct {
	pattern   []byte
	threshold int

	window      []byte
	suppressing bool
}

func newStormFilter(pattern []byte, threshold int) *stormFilter {
	if len(pattern) == 0 {
		pattern = DefaultStormPattern
	}
	if threshold <= 0 {
		threshold = DefaultStormThreshold
	}
	return &stormFilter{pattern: pattern, threshold: threshold}
}

// verdict classifies one payload.
type verdict int

const (
	verdictForward verdict = iota
	verdictSuppress
	// verdictSuppressFirst marks the transition into suppression; the caller
	// logs exactly one critical line here.
	verdictSuppressFirst
)

func (f *stormFilter) check(data []byte) verdict {
	if !bytes.Contains(data, f.pattern) {
		f.window = f.window[:0]
		f.suppressing = false
		return verdictForward
	}

	f.window = append(f.window, data...)
	if len(f.window) > stormWindowSize {
		f.window = f.window[len(f.window)-stormWindowSize:]
	}

	if bytes.Count(f.window, f.pattern) >= f.threshold {
		if f.suppressing {
			return verdictSuppress
		}
		f.suppressing = true
		return verdictSuppressFirst
	}
	return verdictForward
}
