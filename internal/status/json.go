package status

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event            string         `json:"event,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	State            string         `json:"state"`
	Channel          uint8          `json:"channel"`
	RequestedChannel uint8          `json:"requested_channel,omitempty"`
	AttemptID        string         `json:"attempt_id,omitempty"`
	Supported        string         `json:"supported_channels"`
	Favored          string         `json:"favored_channels"`
	DelaySeconds     uint16         `json:"delay_seconds"`
	AutoSelect       AutoSelectJSON `json:"auto_select"`
	Quality          QualityJSON    `json:"quality"`
	LastSelection    string         `json:"last_selection,omitempty"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	StartTime        string         `json:"start_time"`
	Timestamp        string         `json:"timestamp"`
	MQTT             MQTTStatus     `json:"mqtt"`
	Counts           CountsJSON     `json:"event_counts"`
	Network          *NetworkJSON   `json:"network,omitempty"`
	Config           ConfigJSON     `json:"config"`
}

// AutoSelectJSON reports periodic selection settings.
type AutoSelectJSON struct {
	Enabled         bool   `json:"enabled"`
	IntervalSeconds uint32 `json:"interval_seconds"`
}

// QualityJSON reports link quality inputs.
type QualityJSON struct {
	CCAFailureRate string `json:"cca_failure_rate"`
	SampleCount    uint32 `json:"sample_count"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Requests      int `json:"requests"`
	Attempts      int `json:"attempts"`
	Retries       int `json:"retries"`
	Changes       int `json:"changes"`
	Failures      int `json:"failures"`
	Rejections    int `json:"rejections"`
	Supersessions int `json:"supersessions"`
	Selections    int `json:"selections"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	SampleMs    int64  `json:"sample_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
	Simulated   bool   `json:"simulated"`
}

func buildInner(snap Snapshot) StatusInner {
	ms := snap.Manager
	state := string(ms.State)
	if state == "" {
		state = "UNKNOWN"
	}
	supported, _ := ms.Supported.MarshalText()
	favored, _ := ms.Favored.MarshalText()

	inner := StatusInner{
		State:            state,
		Channel:          ms.CurrentChannel,
		RequestedChannel: ms.RequestedChannel,
		Supported:        string(supported),
		Favored:          string(favored),
		DelaySeconds:     ms.DelaySec,
		AutoSelect:       AutoSelectJSON{Enabled: ms.AutoSelect, IntervalSeconds: ms.AutoSelectInterval},
		Quality:          QualityJSON{CCAFailureRate: ms.CCAFailureRate.String(), SampleCount: ms.SampleCount},
		LastSelection:    snap.LastSelection,
		UptimeSeconds:    int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:        snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:        snap.Now.UTC().Format(time.RFC3339),
		MQTT:             MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Requests:      snap.Counts.Requests,
			Attempts:      snap.Counts.Attempts,
			Retries:       snap.Counts.Retries,
			Changes:       snap.Counts.Changes,
			Failures:      snap.Counts.Failures,
			Rejections:    snap.Counts.Rejections,
			Supersessions: snap.Counts.Supersessions,
			Selections:    snap.Counts.Selections,
		},
		Config: ConfigJSON{
			SampleMs:    snap.Config.SampleMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			Simulated:   snap.Config.Simulated,
		},
	}
	if ms.AttemptID != uuid.Nil {
		inner.AttemptID = ms.AttemptID.String()
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
