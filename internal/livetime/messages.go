package livetime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol version reported by get_version.
const (
	ProtocolMajor = 0
	ProtocolMinor = 1
)

// Get actions.
const (
	ActionVersion   = "get_version"
	ActionSettings  = "get_settings"
	ActionTimestamp = "get_timestamp"
)

// Notification types.
const (
	NotifyHeartbeat        = "heartbeat"
	NotifyPassRecord       = "pass_record"
	NotifyFrequencySet     = "frequency_set"
	NotifyTriggerThreshold = "trigger_threshold_set"
)

// raceStartNode is the node value that turns a set message into a race start.
const raceStartNode = -1

// request is the decoded form of one inbound message.
type request interface {
	requestKind() string
}

type getRequest struct {
	Action string
}

type setFrequencyRequest struct {
	Node      int `json:"node"`
	Frequency int `json:"frequency"`
}

type startRaceRequest struct{}

type updateSettingsRequest struct {
	TriggerThreshold     *int
	MinimumLapTime       *int
	CalibrationThreshold *int
	CalibrationOffset    *int
}

func (getRequest) requestKind() string            { return "get" }
func (setFrequencyRequest) requestKind() string   { return "set_frequency" }
func (startRaceRequest) requestKind() string      { return "start_race" }
func (updateSettingsRequest) requestKind() string { return "update_settings" }

// setMessage is the wire shape of every JSON set object.
type setMessage struct {
	Node                 *int `json:"node"`
	Frequency            *int `json:"frequency"`
	TriggerThreshold     *int `json:"trigger_threshold"`
	MinimumLapTime       *int `json:"minimum_lap_time"`
	CalibrationThreshold *int `json:"calibration_threshold"`
	CalibrationOffset    *int `json:"calibration_offset"`
}

// decodeRequest classifies text once. Text starting with '{' must be a valid
// set object; anything else is a get action name.
func decodeRequest(text string) (request, error) {
	if !strings.HasPrefix(text, "{") {
		return getRequest{Action: text}, nil
	}
	var msg setMessage
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return nil, fmt.Errorf("livetime: malformed set message: %w", err)
	}
	if msg.Node != nil {
		if *msg.Node == raceStartNode {
			return startRaceRequest{}, nil
		}
		if msg.Frequency == nil {
			return nil, fmt.Errorf("livetime: node %d set without frequency", *msg.Node)
		}
		return setFrequencyRequest{Node: *msg.Node, Frequency: *msg.Frequency}, nil
	}
	return updateSettingsRequest{
		TriggerThreshold:     msg.TriggerThreshold,
		MinimumLapTime:       msg.MinimumLapTime,
		CalibrationThreshold: msg.CalibrationThreshold,
		CalibrationOffset:    msg.CalibrationOffset,
	}, nil
}

type notification struct {
	Notification string `json:"notification"`
	Data         any    `json:"data"`
}

type versionResponse struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

type nodeSettings struct {
	Frequency   int `json:"frequency"`
	TriggerRSSI int `json:"trigger_rssi"`
}

type settingsResponse struct {
	Nodes                []nodeSettings `json:"nodes"`
	CalibrationThreshold int            `json:"calibration_threshold"`
	CalibrationOffset    int            `json:"calibration_offset"`
	TriggerThreshold     int            `json:"trigger_threshold"`
}

type timestampResponse struct {
	Timestamp int64 `json:"timestamp"`
}

type heartbeatData struct {
	CurrentRSSI []int `json:"current_rssi"`
}

type passRecord struct {
	Timestamp int64 `json:"timestamp"`
	Node      int   `json:"node"`
	Frequency int   `json:"frequency"`
}

type triggerThresholdSet struct {
	TriggerThreshold int `json:"trigger_threshold"`
}
