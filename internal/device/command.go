package device

import (
	"strconv"
	"strings"
)

// Command codes of the transponder protocol.
const (
	CodeBattery     = "B"
	CodeMinLapTime  = "F"
	CodeCalibrate   = "G"
	CodePilotConfig = "N"
	CodeRSSI        = "Q"
	CodeActivateVRX = "/"
	CodeFlashRead   = "Z"
	CodeTriggerRSSI = ","
	CodeStopRace    = "0"
)

// Response keys and tokens.
const (
	KeyRacers = "Racers"
	KeyRSSI   = "RSSI"
	KeyGate   = "GATE"

	TokenReady       = "READY"
	TokenCalibrated  = "Calibrated"
	TokenCalibrating = "Cal in-progress"
)

// MaxPilots is the number of pilot slots the transponder tracks.
const MaxPilots = 8

// RaceMode selects the race start command.
type RaceMode int

const (
	RaceModeSingle RaceMode = 1
	RaceModeMulti  RaceMode = 2
	RaceModeTest   RaceMode = 3
)

func (m RaceMode) Valid() bool {
	return m >= RaceModeSingle && m <= RaceModeTest
}

func (m RaceMode) code() string {
	return strconv.Itoa(int(m))
}

// Command is one request line: a code followed by space separated arguments.
type Command struct {
	Code string
	Args []string
}

func NewCommand(code string, args ...string) Command {
	return Command{Code: code, Args: args}
}

// ParseCommand splits a raw diagnostics line into code and arguments.
func ParseCommand(raw string) Command {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Command{}
	}
	return Command{Code: fields[0], Args: fields[1:]}
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Code
	}
	return c.Code + " " + strings.Join(c.Args, " ")
}
