package mqtt

import (
	"encoding/json"
	"regexp"
	"strings"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string
	Payload []byte
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

type haDiscovery struct {
	Name        string   `json:"name"`
	UniqueID    string   `json:"unique_id"`
	StateTopic  string   `json:"state_topic"`
	DeviceClass string   `json:"device_class,omitempty"`
	PayloadOn   string   `json:"payload_on,omitempty"`
	PayloadOff  string   `json:"payload_off,omitempty"`
	Device      haDevice `json:"device"`
}

var nodeRe = regexp.MustCompile(`[^a-z0-9_]+`)

// nodeID makes a client id safe for a discovery topic segment.
func nodeID(clientID string) string {
	id := nodeRe.ReplaceAllString(strings.ToLower(clientID), "_")
	if id == "" {
		return "homesignal"
	}
	return id
}

func statusTopic(clientID string) string {
	return nodeID(clientID) + "/status"
}

// buildStatusDiscovery announces the hub's online/offline status as a
// connectivity binary sensor.
func buildStatusDiscovery(clientID string) discoveryMsg {
	node := nodeID(clientID)
	payload, _ := json.Marshal(haDiscovery{
		Name:        "Status",
		UniqueID:    node + "_status",
		StateTopic:  statusTopic(clientID),
		DeviceClass: "connectivity",
		PayloadOn:   "online",
		PayloadOff:  "offline",
		Device: haDevice{
			Identifiers:  []string{node},
			Manufacturer: "homesignal",
			Model:        "automation hub",
			Name:         clientID,
		},
	})
	return discoveryMsg{
		Topic:   "homeassistant/binary_sensor/" + node + "/status/config",
		Payload: payload,
	}
}
