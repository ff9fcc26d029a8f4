package proxycore

import "time"

const (
	// branchTTL bounds how long a branch/transaction entry is kept for
	// retransmission and CANCEL/ACK correlation after the transaction
	// itself completes.
	branchTTL = 64 * time.Second
	// dedupWindow is the retransmission-suppression window: a request
	// seen again within this window of its first successful forward is
	// dropped rather than forwarded a second time.
	dedupWindow = 32 * time.Second
	// pendingRequestTTL bounds how long a forwarded request waits for a
	// final response before the sweep drops it and records a 408 CDR
	// failure event for it.
	pendingRequestTTL = 300 * time.Second
)

// BranchEntry records the proxy-generated branch for one transaction,
// so a CANCEL (which must reuse the INVITE's branch per RFC 3261, or a
// fresh one directed at the same peer for interop with UAs that
// violate that) and a non-2xx ACK (which must ride the same branch as
// the INVITE it acks) can be correlated back to the original request.
type BranchEntry struct {
	Branch       string
	Method       string
	CallID       string
	ViaStack     []string // the Via stack as received, before the proxy's own Via was pushed
	NextHop      string   // address the request was forwarded to
	CreatedAt    time.Time
}

// PendingRequest tracks a forwarded request awaiting a final response,
// keyed by Call-ID + CSeq so a late or missing final response can be
// detected and swept by the timer wheel.
type PendingRequest struct {
	CallID    string
	CSeq      string
	Method    string
	Branch    string
	SentAt    time.Time
}

// dedupKey builds the retransmission-suppression cache key: Call-ID,
// CSeq, and the peer address the request arrived from, so retries
// from distinct peers (e.g. two forking branches) are never conflated.
func dedupKey(callID, cseq, peerAddr string) string {
	return callID + ":" + cseq + ":" + peerAddr
}
