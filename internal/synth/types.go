// Package synth talks to the avatar synthesis service over HTTP and listens
// to its speech event stream.
package synth

import "time"

// Route paths of the synthesis service.
const (
	PathConnect     = "/api/avatar/connect"
	PathSpeak       = "/api/avatar/speak"
	PathDisconnect  = "/api/avatar/disconnect"
	PathSpeechToken = "/api/avatar/speech-token"
	PathICEToken    = "/api/avatar/ice-token"
	PathEvents      = "/api/avatar/events"
	PathHealth      = "/healthz"
)

// ConnectRequest opens a connection. Empty fields take the service defaults.
type ConnectRequest struct {
	Character  string `json:"character,omitempty"`
	Style      string `json:"style,omitempty"`
	Background string `json:"background,omitempty"`
}

// ConnectResponse describes the opened connection.
type ConnectResponse struct {
	ConnectionID string `json:"connection_id"`
	Character    string `json:"character"`
	Style        string `json:"style"`
	Background   string `json:"background"`
	Status       string `json:"status"`
}

// SpeakRequest asks the avatar to say text.
type SpeakRequest struct {
	ConnectionID string `json:"connection_id"`
	Text         string `json:"text"`
	Voice        string `json:"voice,omitempty"`
}

// SpeakResponse acknowledges a speak request. Utterance numbers the request
// within its connection; the matching speech events carry the same number.
type SpeakResponse struct {
	ConnectionID string `json:"connection_id"`
	Utterance    uint64 `json:"utterance"`
	Text         string `json:"text"`
	Voice        string `json:"voice"`
	Status       string `json:"status"`
}

// DisconnectRequest closes a connection.
type DisconnectRequest struct {
	ConnectionID string `json:"connection_id"`
}

// StatusResponse is the body of a successful disconnect.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SpeechToken authorizes a browser speech SDK.
type SpeechToken struct {
	Token     string `json:"token"`
	Region    string `json:"region"`
	ExpiresIn int    `json:"expires_in"`
}

// ICEServer is one STUN/TURN entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

// ICEToken carries the WebRTC relay configuration.
type ICEToken struct {
	Token      string      `json:"token"`
	ICEServers []ICEServer `json:"ice_servers"`
}

// EventType names a message on the event stream.
type EventType string

const (
	EventSpeechStarted  EventType = "speech.started"
	EventSpeechFinished EventType = "speech.finished"
	EventSessionClosed  EventType = "session.closed"
)

// Event is one message on the event stream.
type Event struct {
	Type         EventType `json:"type"`
	ConnectionID string    `json:"connection_id"`
	Utterance    uint64    `json:"utterance,omitempty"`
	Text         string    `json:"text,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Time         time.Time `json:"time"`
}
