package proxycore

import (
	"net"
	"time"
)

// DialogState is the lifecycle phase of a Dialog.
type DialogState int

const (
	DialogEarly DialogState = iota
	DialogConfirmed
	DialogTerminated
)

func (s DialogState) String() string {
	switch s {
	case DialogEarly:
		return "early"
	case DialogConfirmed:
		return "confirmed"
	case DialogTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Dialog tracks one call's routing state across its lifetime: the
// route set learned from Record-Route, the tags needed to recognize
// in-dialog requests, and the bookkeeping the ACK-disambiguation and
// response-routing algorithms need.
type Dialog struct {
	CallID    string
	LocalTag  string
	RemoteTag string
	RouteSet  []string // in the order learned, caller-to-callee
	State     DialogState

	// LastFinalResponseStatus is the status code of the most recent
	// final (>= 200) response to an INVITE on this dialog; finals to
	// other methods leave it unchanged. The primary ACK-disambiguation path compares an inbound
	// ACK's transaction context against this to decide 2xx-ACK vs
	// non-2xx-ACK routing.
	LastFinalResponseStatus int

	// Last2xxContact is the Contact URI from the most recent 2xx
	// response to INVITE; a 2xx-ACK from the caller is forwarded with
	// it as the Request-URI.
	Last2xxContact string

	CallerRequestURI string
	CallerContact    string
	CalleeContact    string

	// CallerPeerAddr is the signaling source address of the request
	// that created this dialog. In-dialog routing is sender-relative:
	// a request/ACK from this address targets CalleeContact, and one
	// from anywhere else targets CallerContact (the callee hanging up
	// first is exactly as common as the caller doing so).
	CallerPeerAddr *net.UDPAddr

	// Media endpoint bookkeeping for the SDP rewrite triggers (§4.6.7).
	CallerSigAddr *net.UDPAddr
	CalleeSigAddr *net.UDPAddr
	CallerSDPAddr *net.UDPAddr
	CalleeSDPAddr *net.UDPAddr
	WantsVideo    bool

	// InviteBranch is the branch the proxy generated for the initial
	// INVITE transaction, kept around so a later ACK can be correlated
	// to it: reused verbatim for a non-2xx ACK (which must ride the
	// same transaction), and reused for a 2xx ACK too if the entry is
	// still live, falling back to a fresh branch otherwise.
	InviteBranch string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewDialog creates a dialog in the early state.
func NewDialog(callID string) *Dialog {
	now := time.Now()
	return &Dialog{CallID: callID, State: DialogEarly, CreatedAt: now, UpdatedAt: now}
}

// touch bumps UpdatedAt, used by the TTL refresh policy (§4.9: a
// dialog's expiry extends on every in-dialog request/response it sees).
func (d *Dialog) touch() {
	d.UpdatedAt = time.Now()
}

// retentionTTL returns how long this dialog should live from now,
// depending on its state: confirmed dialogs get the full in-call TTL,
// early/terminated ones a much shorter grace period to catch
// retransmissions and late CANCELs/ACKs.
func (d *Dialog) retentionTTL() time.Duration {
	switch d.State {
	case DialogConfirmed:
		return confirmedDialogTTL
	case DialogTerminated:
		return terminatedDialogGrace
	default:
		return earlyDialogTTL
	}
}

const (
	confirmedDialogTTL    = 12 * time.Hour
	earlyDialogTTL        = 3 * time.Minute
	terminatedDialogGrace = 32 * time.Second
)
