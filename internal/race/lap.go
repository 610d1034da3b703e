// Package race decodes the transponder's lap notifications into LapEvents.
package race

import (
	"regexp"
	"strconv"
	"strings"
)

// LapEvent is one gate crossing reported during an active race.
type LapEvent struct {
	PilotIndex      int   `json:"pilot_index"`
	Lap             int   `json:"lap"`
	LapTimeMillis   int64 `json:"lap_time_ms"`
	TimestampMillis int64 `json:"timestamp_ms"`
}

var (
	singlePilotLap = regexp.MustCompile(`^R(\d+),T(\d+),(\d+)$`)
	multiPilotLap  = regexp.MustCompile(`^P(\d+)R(\d+)T(\d+),(\d+)$`)
)

// Decode matches one notification line against the single-pilot
// (R<lap>,T<lapTime>,<time>) and multi-pilot (P<pilot>R<lap>T<lapTime>,<time>)
// shapes. Anything else is not a lap event.
func Decode(text string) (LapEvent, bool) {
	text = strings.TrimSpace(text)
	if m := singlePilotLap.FindStringSubmatch(text); m != nil {
		return build(0, m[1], m[2], m[3])
	}
	if m := multiPilotLap.FindStringSubmatch(text); m != nil {
		pilot, err := strconv.Atoi(m[1])
		if err != nil || pilot < 1 {
			return LapEvent{}, false
		}
		return build(pilot-1, m[2], m[3], m[4])
	}
	return LapEvent{}, false
}

func build(pilot int, lap, lapTime, ts string) (LapEvent, bool) {
	l, err := strconv.Atoi(lap)
	if err != nil {
		return LapEvent{}, false
	}
	lt, err := strconv.ParseInt(lapTime, 10, 64)
	if err != nil {
		return LapEvent{}, false
	}
	t, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return LapEvent{}, false
	}
	return LapEvent{PilotIndex: pilot, Lap: l, LapTimeMillis: lt, TimestampMillis: t}, true
}
