package status

import (
	"github.com/zeroechelon/outpost/pkg/registry"
	"github.com/zeroechelon/outpost/pkg/types"
)

// progress estimates completion in [0, 100]. Terminal states are done;
// early states are fixed; everything else takes the best of the log
// checkpoint scan and the elapsed-time fraction, capped at 95 so a
// non-terminal dispatch never claims completion.
func (t *Tracker) progress(rec *types.DispatchRecord, view *types.DispatchStatusView) int {
	if terminalExposed(view.Status) {
		return 100
	}
	switch view.Status {
	case StatusPending:
		return 0
	case StatusProvisioning:
		return 2
	}

	best := logProgress(view.Logs)

	timeout := rec.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}
	elapsed := t.now().Sub(rec.StartedAt)
	fraction := int(elapsed.Seconds() / float64(timeout) * 100 * 0.3)
	if fraction > 95 {
		fraction = 95
	}
	if fraction > best {
		best = fraction
	}

	if best > 95 {
		best = 95
	}
	return best
}

// logProgress scans the most recent lines for checkpoint markers. The
// first marker matching a line wins for that line; the highest value
// wins overall.
func logProgress(logs []types.LogEntry) int {
	start := 0
	if len(logs) > progressLogWindow {
		start = len(logs) - progressLogWindow
	}

	best := 0
	markers := registry.ProgressMarkers()
	for _, entry := range logs[start:] {
		for _, m := range markers {
			if m.Pattern.MatchString(entry.Message) {
				if m.Progress > best {
					best = m.Progress
				}
				break
			}
		}
	}
	return best
}
