package machinestate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseModal_ExtractsKnownTokens(t *testing.T) {
	modal := parseModal("G1 G18 G20 G91 G93 M8 M4 T2")
	assert.Equal(t, "G1", modal.MotionGroup)
	assert.Equal(t, "G18", modal.Plane)
	assert.Equal(t, "G20", modal.Units)
	assert.Equal(t, "G91", modal.DistanceMode)
	assert.Equal(t, "G93", modal.FeedMode)
	assert.Equal(t, "M8", modal.Coolant)
	assert.Equal(t, "M4", modal.Spindle)
	assert.Equal(t, "T2", modal.Tool)
}

func TestParseModal_IgnoresWCSSelection(t *testing.T) {
	modal := parseModal("G54 G1")
	assert.Equal(t, "G1", modal.MotionGroup)
}

func TestMergeModal_OnlyOverwritesSetFields(t *testing.T) {
	base := ModalState{MotionGroup: "G0", Units: "G21"}
	mergeModal(&base, ModalState{MotionGroup: "G1"})

	assert.Equal(t, "G1", base.MotionGroup)
	assert.Equal(t, "G21", base.Units)
}
