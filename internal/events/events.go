// Package events defines the CDR collaborator surface: the callbacks
// the proxy core invokes at each call/registration lifecycle point,
// and a fluent builder for constructing the event payloads it passes
// to them.
package events

import "time"

// Sink receives lifecycle notifications. Implementations decide how
// to persist or forward them (file, message bus, HTTP callback); a
// nil Sink anywhere in the core means "don't bother."
type Sink interface {
	OnRegister(e RegisterEvent)
	OnUnregister(e UnregisterEvent)
	OnCallStart(e CallStartEvent)
	OnCallAnswer(e CallAnswerEvent)
	OnCallEnd(e CallEndEvent)
	OnCallFail(e CallFailEvent)
	OnCallCancel(e CallCancelEvent)
	OnMessage(e MessageEvent)
	OnMediaChange(e MediaChangeEvent)
}

// BaseEvent carries the fields common to every event type.
type BaseEvent struct {
	EventID   string
	EventTime time.Time
	CallID    string
	NodeID    string
}

// RegisterEvent fires when a binding is created or refreshed.
type RegisterEvent struct {
	BaseEvent
	AOR     string
	Contact string
	Expires int
}

// UnregisterEvent fires on explicit or expiry-driven de-registration.
type UnregisterEvent struct {
	BaseEvent
	AOR    string
	Reason string // "explicit" or "expired"
}

// CallStartEvent fires when an initial INVITE creates a dialog.
type CallStartEvent struct {
	BaseEvent
	From        string
	To          string
	RequestURI  string
	SourceAddr  string
}

// CallAnswerEvent fires on the first 2xx response to the initial INVITE.
type CallAnswerEvent struct {
	BaseEvent
	ResponseCode int
	SetupDelay   time.Duration
}

// CallEndEvent fires when a dialog terminates normally (BYE either direction).
type CallEndEvent struct {
	BaseEvent
	Reason      string
	HangupSide  string // "caller" or "callee"
	TotalMedia  time.Duration
	PacketsSent uint64
	PacketsRecv uint64
}

// CallFailEvent fires when a call ends via a final non-2xx response.
type CallFailEvent struct {
	BaseEvent
	ResponseCode int
	Reason       string
}

// CallCancelEvent fires when a CANCEL terminates a call before answer.
type CallCancelEvent struct {
	BaseEvent
	CancelledBy string
}

// MessageEvent fires for out-of-dialog MESSAGE requests.
type MessageEvent struct {
	BaseEvent
	From string
	To   string
}

// MediaChangeEvent describes a mid-call SDP media change (hold/resume,
// codec renegotiation, address change). The proxy core does not emit
// it: a re-INVITE only retargets the running forwarders.
type MediaChangeEvent struct {
	BaseEvent
	NewAudioAddr string
	NewVideoAddr string
	OnHold       bool
}
