// Package hub is the WebSocket ingress and room-broadcast layer. Every
// connection speaks a small event protocol: subscribers join a room named
// after a session id and receive transcription updates; producers push audio
// or fully-formed segments into the session pipeline.
package hub

import "encoding/json"

// Ingress event names.
const (
	EventConnect           = "connect"
	EventJoinSession       = "join_session"
	EventLeaveSession      = "leave_session"
	EventSync              = "sync"
	EventRealtimeConnect   = "realtime_connect"
	EventAudioBufferAppend = "audio_buffer_append"
)

// Egress event names.
const (
	EventConnected = "connected"
	EventJoined    = "joined_session"
	EventLeft      = "left_session"
	EventError     = "error"
)

// Envelope is the wire frame: an event name plus an event-specific payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// connectData is the payload of a connect event.
type connectData struct {
	Auth struct {
		SecretKey string `json:"secret_key"`
	} `json:"auth"`
}

// connectedData acknowledges a connect.
type connectedData struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
}

// sessionData is the payload of join_session and leave_session.
type sessionData struct {
	SessionID string `json:"session_id"`
	SecretKey string `json:"secret_key,omitempty"`
}

// sessionAck acknowledges a join or leave.
type sessionAck struct {
	SessionID string `json:"session_id"`
}

// syncData is the payload of a sync event: a fully-formed segment from a
// legacy producer.
type syncData struct {
	ID        string     `json:"id"`
	SecretKey string     `json:"secret_key,omitempty"`
	Partial   bool       `json:"partial"`
	StartTime float64    `json:"start_time"`
	EndTime   float64    `json:"end_time"`
	Result    syncResult `json:"result"`
}

// syncResult mirrors the segment result a sync producer supplies.
type syncResult struct {
	Corrected       string            `json:"corrected"`
	Translated      map[string]string `json:"translated,omitempty"`
	SpecialKeywords []string          `json:"special_keywords,omitempty"`
}

// audioData is the payload of audio_buffer_append.
type audioData struct {
	Audio string `json:"audio"`
}

// errorData is the payload of an error event.
type errorData struct {
	Message string `json:"message"`
}
