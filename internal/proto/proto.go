// Package proto defines the JSON wire format spoken on the status and
// playback WebSocket channels.
package proto

import "time"

const (
	StatusPath   = "/ws/status"
	PlaybackPath = "/ws/playback"
)

// Message type tags. Every frame is a JSON object with a "type" field.
const (
	TypePing             = "ping"
	TypePong             = "pong"
	TypeStatusUpdate     = "statusUpdate"
	TypeAdPlaybackUpdate = "adPlaybackUpdate"
	TypeSyncRequest      = "syncRequest"
	TypeStateRequest     = "stateRequest"
	TypeStateResponse    = "stateResponse"
	TypeSlotSync         = "slotSync"
)

// Envelope is the minimal shape used to route a frame before decoding it fully.
type Envelope struct {
	Type string `json:"type"`
}

// Ping is sent by the client every heartbeat interval.
type Ping struct {
	Type string `json:"type"` // "ping"
}

// StatusUpdate announces the device on the status channel.
type StatusUpdate struct {
	Type       string `json:"type"` // "statusUpdate"
	DeviceID   string `json:"deviceId"`
	MaterialID string `json:"materialId"`
	Timestamp  int64  `json:"timestamp"`
	Platform   string `json:"platform"`
	AppVersion string `json:"appVersion"`
	DeviceName string `json:"deviceName"`
	OSVersion  string `json:"osVersion"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
