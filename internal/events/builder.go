package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder provides fluent construction of events with consistent
// EventID/EventTime/NodeID defaults.
type Builder struct {
	nodeID string
}

// NewBuilder creates an event builder stamping every event with nodeID.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

func (b *Builder) base(callID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventTime: time.Now().UTC(),
		CallID:    callID,
		NodeID:    b.nodeID,
	}
}

// Register builds a RegisterEvent.
func (b *Builder) Register(callID, aor, contact string, expires int) RegisterEvent {
	return RegisterEvent{BaseEvent: b.base(callID), AOR: aor, Contact: contact, Expires: expires}
}

// Unregister builds an UnregisterEvent.
func (b *Builder) Unregister(callID, aor, reason string) UnregisterEvent {
	return UnregisterEvent{BaseEvent: b.base(callID), AOR: aor, Reason: reason}
}

// CallStart builds a CallStartEvent.
func (b *Builder) CallStart(callID, from, to, requestURI, sourceAddr string) CallStartEvent {
	return CallStartEvent{
		BaseEvent:  b.base(callID),
		From:       from,
		To:         to,
		RequestURI: requestURI,
		SourceAddr: sourceAddr,
	}
}

// CallAnswer builds a CallAnswerEvent.
func (b *Builder) CallAnswer(callID string, code int, setupDelay time.Duration) CallAnswerEvent {
	return CallAnswerEvent{BaseEvent: b.base(callID), ResponseCode: code, SetupDelay: setupDelay}
}

// CallEnd builds a CallEndEvent.
func (b *Builder) CallEnd(callID, reason, hangupSide string, totalMedia time.Duration, sent, recv uint64) CallEndEvent {
	return CallEndEvent{
		BaseEvent:   b.base(callID),
		Reason:      reason,
		HangupSide:  hangupSide,
		TotalMedia:  totalMedia,
		PacketsSent: sent,
		PacketsRecv: recv,
	}
}

// CallFail builds a CallFailEvent.
func (b *Builder) CallFail(callID string, code int, reason string) CallFailEvent {
	return CallFailEvent{BaseEvent: b.base(callID), ResponseCode: code, Reason: reason}
}

// CallCancel builds a CallCancelEvent.
func (b *Builder) CallCancel(callID, cancelledBy string) CallCancelEvent {
	return CallCancelEvent{BaseEvent: b.base(callID), CancelledBy: cancelledBy}
}

// Message builds a MessageEvent.
func (b *Builder) Message(callID, from, to string) MessageEvent {
	return MessageEvent{BaseEvent: b.base(callID), From: from, To: to}
}

// MediaChange builds a MediaChangeEvent.
func (b *Builder) MediaChange(callID, audioAddr, videoAddr string, onHold bool) MediaChangeEvent {
	return MediaChangeEvent{
		BaseEvent:    b.base(callID),
		NewAudioAddr: audioAddr,
		NewVideoAddr: videoAddr,
		OnHold:       onHold,
	}
}
