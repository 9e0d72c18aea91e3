// Package scale implements the scale-facing side of the gateway: the
// frame parser that classifies inbound text lines and the TCP server
// that owns one goroutine per connected scale.
package scale

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FrameKind classifies a decoded line.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameRegistration
	FrameHeartbeat
	FrameEvent
)

func (k FrameKind) String() string {
	switch k {
	case FrameRegistration:
		return "registration"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameEvent:
		return "event"
	default:
		return "unknown"
	}
}

// EventFields are the decoded fields of an event frame.
type EventFields struct {
	PLUCode        string
	ProductName    string
	WeightGrams    int64
	Barcode        string
	ScaleTimestamp string
}

// Frame is the result of parsing one line. Raw always carries the
// original trimmed line so unknown frames stay observable.
type Frame struct {
	Kind     FrameKind
	DeviceID string      // set for registration frames
	Event    EventFields // set for event frames
	Raw      string
}

// Wire grammar. Registration is the bare device label; heartbeats are
// the literal token HB; events are pipe-delimited with a leading EVENT
// tag so they can never collide with the other frame kinds:
//
//	SCALE-01
//	HB
//	EVENT|00001|KIYMA|1234|00000012340|2026-01-30T10:27:00Z
//
// Product names therefore must not contain '|'.
const (
	heartbeatToken  = "HB"
	eventTag        = "EVENT"
	eventFieldCount = 6
)

var registrationRe = regexp.MustCompile(`^SCALE-[0-9]{2}$`)

// Parse classifies a single decoded line. It never performs I/O and
// never fails: lines that fit no grammar come back as FrameUnknown with
// the raw payload preserved.
func Parse(line string) Frame {
	trimmed := strings.TrimSpace(line)
	f := Frame{Kind: FrameUnknown, Raw: trimmed}

	switch {
	case trimmed == heartbeatToken:
		f.Kind = FrameHeartbeat
	case registrationRe.MatchString(trimmed):
		f.Kind = FrameRegistration
		f.DeviceID = trimmed
	case strings.HasPrefix(trimmed, eventTag+"|"):
		ev, ok := parseEvent(trimmed)
		if ok {
			f.Kind = FrameEvent
			f.Event = ev
		}
	}
	return f
}

func parseEvent(line string) (EventFields, bool) {
	parts := strings.Split(line, "|")
	if len(parts) != eventFieldCount || parts[0] != eventTag {
		return EventFields{}, false
	}

	grams, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || grams < 0 {
		return EventFields{}, false
	}

	return EventFields{
		PLUCode:        parts[1],
		ProductName:    parts[2],
		WeightGrams:    grams,
		Barcode:        parts[4],
		ScaleTimestamp: parts[5],
	}, true
}

// FormatEvent renders an event frame in the wire grammar. Inverse of
// Parse for event frames; used by tests and the device simulator.
func FormatEvent(e EventFields) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s|%s",
		eventTag, e.PLUCode, e.ProductName, e.WeightGrams, e.Barcode, e.ScaleTimestamp)
}
