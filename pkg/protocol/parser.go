// Package protocol parses GRBL's ASCII wire protocol: acknowledgements,
// status reports, feedback frames, and the welcome banner. Parse is a pure
// function with no side effects; callers own dispatching the resulting
// Frame.
package protocol

import (
	"strconv"
	"strings"
)

// FrameKind identifies which shape a parsed line took.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameOk
	FrameError
	FrameAlarm
	FrameStatusReport
	FrameFeedback
	FrameWelcome
)

func (k FrameKind) String() string {
	switch k {
	case FrameOk:
		return "Ok"
	case FrameError:
		return "Error"
	case FrameAlarm:
		return "Alarm"
	case FrameStatusReport:
		return "StatusReport"
	case FrameFeedback:
		return "Feedback"
	case FrameWelcome:
		return "Welcome"
	default:
		return "Unknown"
	}
}

// StatusReport is the decoded content of a `<...>` frame. Optional fields
// are nil when the controller omitted them; unrecognized `|`-separated
// fields are ignored rather than rejected.
type StatusReport struct {
	State      string
	SubState   string
	MachinePos *Triple
	WorkPos    *Triple
	Feed       *float64
	Spindle    *float64
	Overrides  *Overrides
	WorkOffset *Triple
	Raw        string
}

// Triple is a generic (x, y, z) decoded from a comma-separated field.
type Triple struct {
	X, Y, Z float64
}

// Overrides holds the `Ov:feed,rapid,spindle` percentage triple.
type Overrides struct {
	Feed    int
	Rapid   int
	Spindle int
}

// Frame is the parse result: Kind selects which of the typed fields below
// is populated.
type Frame struct {
	Kind FrameKind

	// FrameError / FrameAlarm
	Code int

	// FrameStatusReport
	Status *StatusReport

	// FrameFeedback
	FeedbackTag  string // "GC", "MSG", "echo", or the raw tag
	FeedbackBody string

	// FrameWelcome
	Version string

	// FrameUnknown
	Raw string
}

// Parse classifies a single line of controller output, per spec.md §4.3
// and §6. Surrounding whitespace, including a trailing CR left by CRLF
// framing, is ignored.
func Parse(line string) Frame {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Frame{Kind: FrameUnknown, Raw: line}
	}

	switch {
	case trimmed == "ok":
		return Frame{Kind: FrameOk}

	case strings.HasPrefix(trimmed, "error:"):
		if code, err := strconv.Atoi(strings.TrimPrefix(trimmed, "error:")); err == nil {
			return Frame{Kind: FrameError, Code: code}
		}
		return Frame{Kind: FrameUnknown, Raw: line}

	case strings.HasPrefix(strings.ToLower(trimmed), "alarm:"):
		rest := trimmed[strings.Index(trimmed, ":")+1:]
		if code, err := strconv.Atoi(rest); err == nil {
			return Frame{Kind: FrameAlarm, Code: code}
		}
		return Frame{Kind: FrameUnknown, Raw: line}

	case strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">"):
		report := parseStatusReport(trimmed[1 : len(trimmed)-1])
		return Frame{Kind: FrameStatusReport, Status: report}

	case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
		tag, body := parseFeedback(trimmed[1 : len(trimmed)-1])
		return Frame{Kind: FrameFeedback, FeedbackTag: tag, FeedbackBody: body}

	case strings.HasPrefix(trimmed, "Grbl "):
		return Frame{Kind: FrameWelcome, Version: parseWelcomeVersion(trimmed)}

	default:
		return Frame{Kind: FrameUnknown, Raw: line}
	}
}

func parseStatusReport(body string) *StatusReport {
	fields := strings.Split(body, "|")
	if len(fields) == 0 {
		return &StatusReport{Raw: body}
	}

	report := &StatusReport{State: fields[0], Raw: body}
	if idx := strings.IndexByte(report.State, ':'); idx >= 0 {
		report.SubState = report.State[idx+1:]
		report.State = report.State[:idx]
	}

	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		switch key {
		case "MPos":
			report.MachinePos = parseTriple(value)
		case "WPos":
			report.WorkPos = parseTriple(value)
		case "WCO":
			report.WorkOffset = parseTriple(value)
		case "F":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				report.Feed = &f
			}
		case "FS":
			parts := strings.Split(value, ",")
			if len(parts) >= 1 {
				if f, err := strconv.ParseFloat(parts[0], 64); err == nil {
					report.Feed = &f
				}
			}
			if len(parts) >= 2 {
				if s, err := strconv.ParseFloat(parts[1], 64); err == nil {
					report.Spindle = &s
				}
			}
		case "Ov":
			report.Overrides = parseOverrides(value)
		default:
			// unrecognized fields are ignored, not fatal (spec.md §4.3)
		}
	}

	return report
}

func parseTriple(value string) *Triple {
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return nil
	}
	x, errX := strconv.ParseFloat(parts[0], 64)
	y, errY := strconv.ParseFloat(parts[1], 64)
	z, errZ := strconv.ParseFloat(parts[2], 64)
	if errX != nil || errY != nil || errZ != nil {
		return nil
	}
	return &Triple{X: x, Y: y, Z: z}
}

func parseOverrides(value string) *Overrides {
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return nil
	}
	feed, errF := strconv.Atoi(parts[0])
	rapid, errR := strconv.Atoi(parts[1])
	spindle, errS := strconv.Atoi(parts[2])
	if errF != nil || errR != nil || errS != nil {
		return nil
	}
	return &Overrides{Feed: feed, Rapid: rapid, Spindle: spindle}
}

func parseFeedback(body string) (tag, content string) {
	tag, content, ok := strings.Cut(body, ":")
	if !ok {
		return "", body
	}
	return tag, content
}

func parseWelcomeVersion(line string) string {
	rest := strings.TrimPrefix(line, "Grbl ")
	if idx := strings.IndexByte(rest, ' '); idx >= 0 {
		return rest[:idx]
	}
	return strings.TrimSuffix(rest, "['$' for help]")
}
