package model

import (
	"encoding/json"
	"time"
)

// EventType is the lowercase `type` discriminant carried by every SSE frame
// (spec.md §4.H, §6).
type EventType string

const (
	EventStarting     EventType = "starting"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
	EventAuthRequired EventType = "auth_required"
	EventHeartbeat    EventType = "heartbeat"
)

// TunnelEvent is the event-bus payload (spec.md §3). Exactly one of the
// optional fields is meaningful for a given Type; MarshalJSON flattens the
// relevant ones alongside the discriminant so SSE consumers see a single
// flat JSON object per spec.md §6.
type TunnelEvent struct {
	Type      EventType
	TunnelID  string
	Reason    string
	Error     string
	Request   *AuthRequest
	Timestamp time.Time
}

func NewStarting(id string) TunnelEvent {
	return TunnelEvent{Type: EventStarting, TunnelID: id, Timestamp: time.Now()}
}

func NewConnected(id string) TunnelEvent {
	return TunnelEvent{Type: EventConnected, TunnelID: id, Timestamp: time.Now()}
}

func NewDisconnected(id, reason string) TunnelEvent {
	return TunnelEvent{Type: EventDisconnected, TunnelID: id, Reason: reason, Timestamp: time.Now()}
}

func NewError(id string, err error) TunnelEvent {
	return TunnelEvent{Type: EventError, TunnelID: id, Error: err.Error(), Timestamp: time.Now()}
}

func NewAuthRequired(req AuthRequest) TunnelEvent {
	return TunnelEvent{Type: EventAuthRequired, TunnelID: req.TunnelID, Request: &req, Timestamp: time.Now()}
}

func NewHeartbeat() TunnelEvent {
	return TunnelEvent{Type: EventHeartbeat, Timestamp: time.Now()}
}

// eventWire is the flat JSON shape sent over SSE.
type eventWire struct {
	Type      EventType    `json:"type"`
	TunnelID  string       `json:"id,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Error     string       `json:"error,omitempty"`
	Request   *AuthRequest `json:"request,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e TunnelEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventWire{
		Type:      e.Type,
		TunnelID:  e.TunnelID,
		Reason:    e.Reason,
		Error:     e.Error,
		Request:   e.Request,
		Timestamp: e.Timestamp,
	})
}

func (e *TunnelEvent) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Type = w.Type
	e.TunnelID = w.TunnelID
	e.Reason = w.Reason
	e.Error = w.Error
	e.Request = w.Request
	e.Timestamp = w.Timestamp
	return nil
}
