package dispatch

import "time"

// Lifecycle event names.
const (
	EventPeerConnected      = "peer_connected"
	EventPeerDisconnected   = "peer_disconnected"
	EventServerDisconnected = "server_disconnected"
)

// Event is a lifecycle notification delivered to listeners.
type Event struct {
	Name       string         `json:"name"`
	PeerID     string         `json:"peer_id"`
	PeerName   string         `json:"peer_name,omitempty"`
	RemoteAddr string         `json:"remote_addr,omitempty"`
	Handshake  map[string]any `json:"handshake,omitempty"`
	Error      string         `json:"error,omitempty"`
	Time       time.Time      `json:"time"`
}

// Data returns the listener payload in the shape desktop peers expect:
// {teacher_id, teacher_data} on connect and {teacher_id} otherwise.
func (e Event) Data() map[string]any {
	data := map[string]any{"teacher_id": e.PeerID}
	if e.Name == EventPeerConnected {
		handshake := e.Handshake
		if handshake == nil {
			handshake = map[string]any{}
		}
		data["teacher_data"] = handshake
	}
	return data
}
