package machinestate

import "strings"

// parseModal extracts modal-changing G/M codes and the T word from a
// whitespace-separated token string — either a `[GC:...]` feedback body
// or a single acknowledged program line (spec.md §4.5). F and S words are
// not extracted.
func parseModal(tokens string) ModalState {
	var modal ModalState
	for _, tok := range strings.Fields(tokens) {
		switch {
		case isAnyOf(tok, "G0", "G1", "G2", "G3", "G38.2", "G38.3", "G38.4", "G38.5", "G80"):
			modal.MotionGroup = tok
		case isAnyOf(tok, "G17", "G18", "G19"):
			modal.Plane = tok
		case isAnyOf(tok, "G20", "G21"):
			modal.Units = tok
		case isAnyOf(tok, "G90", "G91"):
			modal.DistanceMode = tok
		case isAnyOf(tok, "G93", "G94"):
			modal.FeedMode = tok
		case isAnyOf(tok, "M7", "M8", "M9"):
			modal.Coolant = tok
		case isAnyOf(tok, "M3", "M4", "M5"):
			modal.Spindle = tok
		case isAnyOf(tok, "G54", "G55", "G56", "G57", "G58", "G59"):
			// WCS selection surfaces through Manager.SetActiveWCS, not
			// the modal struct; ignored here.
		case strings.HasPrefix(tok, "T"):
			modal.Tool = tok
		}
	}
	return modal
}

func isAnyOf(tok string, candidates ...string) bool {
	for _, c := range candidates {
		if strings.EqualFold(tok, c) {
			return true
		}
	}
	return false
}

// mergeModal overlays any non-empty field from next onto base, leaving
// fields next didn't mention untouched.
func mergeModal(base *ModalState, next ModalState) {
	if next.MotionGroup != "" {
		base.MotionGroup = next.MotionGroup
	}
	if next.Plane != "" {
		base.Plane = next.Plane
	}
	if next.Units != "" {
		base.Units = next.Units
	}
	if next.DistanceMode != "" {
		base.DistanceMode = next.DistanceMode
	}
	if next.FeedMode != "" {
		base.FeedMode = next.FeedMode
	}
	if next.Coolant != "" {
		base.Coolant = next.Coolant
	}
	if next.Spindle != "" {
		base.Spindle = next.Spindle
	}
	if next.Tool != "" {
		base.Tool = next.Tool
	}
}
