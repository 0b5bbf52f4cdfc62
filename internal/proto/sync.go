package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned by Decode for frames whose type tag is not
// a known sync message. Callers log and drop them.
var ErrUnknownMessage = errors.New("proto: unknown message type")

// SyncMessage is one of SyncRequest, StateRequest, StateResponse or SlotSync.
type SyncMessage interface {
	// Source is the slot number that produced the message.
	Source() int
	// Material is the material the sending slot belongs to.
	Material() string
	isSyncMessage()
}

// SyncRequest is a periodic broadcast asking peers for their state.
type SyncRequest struct {
	Type       string `json:"type"` // "syncRequest"
	MaterialID string `json:"materialId"`
	SlotNumber int    `json:"slotNumber"`
	Timestamp  int64  `json:"timestamp"`
}

// StateRequest is a point-to-point pull sent by a slot that just joined.
type StateRequest struct {
	Type           string `json:"type"` // "stateRequest"
	RequestingSlot int    `json:"requestingSlot"`
	MaterialID     string `json:"materialId"`
}

// StateResponse answers a SyncRequest or StateRequest. RequestingSlot is
// the addressee; the responder is PlaybackUpdate.SlotNumber.
type StateResponse struct {
	Type           string `json:"type"` // "stateResponse"
	RequestingSlot int    `json:"requestingSlot"`
	PlaybackUpdate
}

// SlotSync is pushed whenever a slot enters playing or paused.
type SlotSync struct {
	Type       string `json:"type"` // "slotSync"
	SourceSlot int    `json:"sourceSlot"`
	PlaybackUpdate
}

func (m *SyncRequest) Source() int      { return m.SlotNumber }
func (m *SyncRequest) Material() string { return m.MaterialID }
func (*SyncRequest) isSyncMessage()     {}

func (m *StateRequest) Source() int      { return m.RequestingSlot }
func (m *StateRequest) Material() string { return m.MaterialID }
func (*StateRequest) isSyncMessage()     {}

func (m *StateResponse) Source() int      { return m.SlotNumber }
func (m *StateResponse) Material() string { return m.MaterialID }
func (*StateResponse) isSyncMessage()     {}

func (m *SlotSync) Source() int      { return m.SourceSlot }
func (m *SlotSync) Material() string { return m.MaterialID }
func (*SlotSync) isSyncMessage()     {}

// NewSyncRequest builds a broadcast for the given slot.
func NewSyncRequest(materialID string, slot int) *SyncRequest {
	return &SyncRequest{Type: TypeSyncRequest, MaterialID: materialID, SlotNumber: slot, Timestamp: NowMillis()}
}

// NewStateRequest builds a pull request from the given slot.
func NewStateRequest(materialID string, slot int) *StateRequest {
	return &StateRequest{Type: TypeStateRequest, RequestingSlot: slot, MaterialID: materialID}
}

// NewStateResponse answers requester with snapshot.
func NewStateResponse(requester int, snapshot PlaybackUpdate) *StateResponse {
	return &StateResponse{Type: TypeStateResponse, RequestingSlot: requester, PlaybackUpdate: snapshot}
}

// NewSlotSync pushes snapshot; the source slot is taken from the snapshot.
func NewSlotSync(snapshot PlaybackUpdate) *SlotSync {
	return &SlotSync{Type: TypeSlotSync, SourceSlot: snapshot.SlotNumber, PlaybackUpdate: snapshot}
}

// Decode parses a playback-channel frame into a SyncMessage. Frames that are
// valid JSON but carry another tag (pong, adPlaybackUpdate echoes, ...)
// return ErrUnknownMessage.
func Decode(data []byte) (SyncMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("proto: decode envelope: %w", err)
	}

	var msg SyncMessage
	switch env.Type {
	case TypeSyncRequest:
		msg = &SyncRequest{}
	case TypeStateRequest:
		msg = &StateRequest{}
	case TypeStateResponse:
		msg = &StateResponse{}
	case TypeSlotSync:
		msg = &SlotSync{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("proto: decode %s: %w", env.Type, err)
	}

	// SlotSync frames from older peers may omit sourceSlot.
	if s, ok := msg.(*SlotSync); ok && s.SourceSlot == 0 {
		s.SourceSlot = s.SlotNumber
	}
	return msg, nil
}
