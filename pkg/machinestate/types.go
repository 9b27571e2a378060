// Package machinestate owns the single authoritative view of the
// controller's machine state and reconciles it against independently
// observed status reports.
package machinestate

import "time"

// Position is a millimeter triple. Comparisons should go through
// WithinTolerance rather than direct equality, since controller floats
// carry rounding noise.
type Position struct {
	X, Y, Z float64
}

// WithinTolerance reports whether p and other differ by no more than tol
// millimeters on every axis.
func (p Position) WithinTolerance(other Position, tol float64) bool {
	return abs(p.X-other.X) <= tol && abs(p.Y-other.Y) <= tol && abs(p.Z-other.Z) <= tol
}

// Sub returns p - other.
func (p Position) Sub(other Position) Position {
	return Position{X: p.X - other.X, Y: p.Y - other.Y, Z: p.Z - other.Z}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// WCSName identifies one of the six work coordinate systems.
type WCSName string

const (
	G54 WCSName = "G54"
	G55 WCSName = "G55"
	G56 WCSName = "G56"
	G57 WCSName = "G57"
	G58 WCSName = "G58"
	G59 WCSName = "G59"
)

// AllWCS lists every work coordinate system in canonical order.
var AllWCS = []WCSName{G54, G55, G56, G57, G58, G59}

// WCSTable holds the six offsets and which one is active.
type WCSTable struct {
	Offsets map[WCSName]Position
	Active  WCSName
}

// NewWCSTable returns a table with all offsets zeroed and G54 active, the
// controller's power-on default.
func NewWCSTable() WCSTable {
	offsets := make(map[WCSName]Position, len(AllWCS))
	for _, name := range AllWCS {
		offsets[name] = Position{}
	}
	return WCSTable{Offsets: offsets, Active: G54}
}

// Status is the controller's tagged machine status. Transitions are
// driven solely by controller status reports; nothing else may fabricate
// a status change.
type Status int

const (
	StatusUnknown Status = iota
	StatusIdle
	StatusRun
	StatusHold
	StatusJog
	StatusAlarm
	StatusDoor
	StatusCheck
	StatusHome
	StatusSleep
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusRun:
		return "Run"
	case StatusHold:
		return "Hold"
	case StatusJog:
		return "Jog"
	case StatusAlarm:
		return "Alarm"
	case StatusDoor:
		return "Door"
	case StatusCheck:
		return "Check"
	case StatusHome:
		return "Home"
	case StatusSleep:
		return "Sleep"
	default:
		return "Unknown"
	}
}

// ParseStatus maps a status report's leading state token to a Status,
// stripping a `:<n>` sub-state suffix used by Hold and Door.
func ParseStatus(raw string) (status Status, subState string) {
	name := raw
	if idx := indexByte(raw, ':'); idx >= 0 {
		name, subState = raw[:idx], raw[idx+1:]
	}
	switch name {
	case "Idle":
		return StatusIdle, subState
	case "Run":
		return StatusRun, subState
	case "Hold":
		return StatusHold, subState
	case "Jog":
		return StatusJog, subState
	case "Alarm":
		return StatusAlarm, subState
	case "Door":
		return StatusDoor, subState
	case "Check":
		return StatusCheck, subState
	case "Home":
		return StatusHome, subState
	case "Sleep":
		return StatusSleep, subState
	default:
		return StatusUnknown, subState
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// ModalState holds the currently active modal G-codes, updated from
// controller feedback frames and acknowledged program lines.
type ModalState struct {
	MotionGroup  string // G0/G1/G2/G3/...
	Plane        string // G17/G18/G19
	Units        string // G20/G21
	DistanceMode string // G90/G91
	FeedMode     string // G93/G94
	Coolant      string // M7/M8/M9
	Spindle      string // M3/M4/M5
	Tool         string // T<n>
}

// MachineState is the full aggregate StateManager owns: machine position,
// derived work position, WCS table, status, modal state, feed/spindle,
// and the timestamp of the last update.
type MachineState struct {
	MachinePosition Position
	WorkPosition    Position
	WCS             WCSTable
	Status          Status
	SubState        string
	Modal           ModalState
	FeedRate        float64
	SpindleSpeed    float64
	UpdatedAt       time.Time
}

// DeriveWorkPosition computes machine - wcs_offsets[active] per spec.md §3.
func DeriveWorkPosition(machine Position, wcs WCSTable) Position {
	return machine.Sub(wcs.Offsets[wcs.Active])
}
