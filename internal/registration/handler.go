package registration

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/relaysip/sipproxy/internal/digestauth"
	"github.com/relaysip/sipproxy/internal/sipmsg"
	"github.com/relaysip/sipproxy/internal/sipuri"
)

// EventSink receives registration lifecycle notifications for CDR
// emission; nil fields are simply skipped.
type EventSink interface {
	OnRegister(aor, contact string, expires int)
	OnUnregister(aor string)
}

// Handler processes REGISTER requests against a Store, challenging
// with Digest auth per realm.
type Handler struct {
	store *Store
	users digestauth.UserDirectory
	realm string
	events EventSink
}

// NewHandler builds a REGISTER handler.
func NewHandler(store *Store, users digestauth.UserDirectory, realm string, events EventSink) *Handler {
	return &Handler{store: store, users: users, realm: realm, events: events}
}

// Handle processes one REGISTER request from peer and returns the
// response to send back.
func (h *Handler) Handle(req *sipmsg.Message, peer *net.UDPAddr) *sipmsg.Message {
	toVal, ok := req.Get("To")
	if !ok {
		return h.response(req, 400, "Bad Request - missing To")
	}
	toURI, err := sipuri.Parse(toVal)
	if err != nil {
		return h.response(req, 400, "Bad Request - malformed To")
	}
	aor := sipuri.AOR(toURI)

	if resp := h.authenticate(req); resp != nil {
		return resp
	}

	callID, _ := req.Get("Call-ID")
	cseq := parseCSeqNumber(req)

	contacts := req.GetAll("Contact")

	if isWildcardContact(contacts) {
		if len(contacts) != 1 {
			return h.response(req, 400, "Bad Request - Contact: * must be alone")
		}
		if h.getExpires(req, "") != 0 {
			return h.response(req, 400, "Bad Request - Expires must be 0 for Contact: *")
		}
		h.store.Remove(aor)
		if h.events != nil {
			h.events.OnUnregister(aor)
		}
		slog.Info("[REGISTER] wildcard unregister", "aor", aor)
		return h.response(req, 200, "OK")
	}

	if len(contacts) == 0 {
		return h.queryResponse(req, aor)
	}

	// Single-device policy: a REGISTER carrying at least one binding the
	// store will accept purges this AOR's bindings learned from any other
	// source address.
	for _, c := range contacts {
		if _, expires := h.parseContact(req, c); expires < MinExpires {
			continue
		}
		for _, b := range h.store.LookupAll(aor) {
			if b.RealSourceIP != peer.IP.String() || b.RealSourcePort != peer.Port {
				h.store.RemoveContact(aor, b.ContactURI)
			}
		}
		break
	}

	var lastContact string
	var lastExpires int
	for _, c := range contacts {
		contactURI, expires := h.parseContact(req, c)
		if expires == 0 {
			h.store.RemoveContact(aor, contactURI)
			if h.events != nil {
				h.events.OnUnregister(aor)
			}
			continue
		}

		b := &Binding{
			AOR:            aor,
			ContactURI:     contactURI,
			RealSourceIP:   peer.IP.String(),
			RealSourcePort: peer.Port,
			Transport:      "UDP",
			CallID:         callID,
			CSeq:           cseq,
			Expires:        expires,
		}
		if err := h.store.Upsert(b); err != nil {
			if err == ErrIntervalTooBrief {
				return h.intervalTooBrief(req)
			}
			return h.response(req, 400, "Bad Request - "+err.Error())
		}
		lastContact = contactURI
		lastExpires = expires
		if h.events != nil {
			h.events.OnRegister(aor, contactURI, expires)
		}
	}

	slog.Info("[REGISTER] registered", "aor", aor, "contact", lastContact, "expires", lastExpires)
	return h.okWithBinding(req, aor)
}

func (h *Handler) authenticate(req *sipmsg.Message) *sipmsg.Message {
	if h.users == nil {
		return nil
	}
	authVal, ok := req.Get("Authorization")
	if !ok {
		return h.challenge(req)
	}
	creds, ok := digestauth.ParseAuthorization(authVal)
	if !ok {
		return h.challenge(req)
	}
	if !digestauth.Verify(creds, "REGISTER", h.users) {
		return h.challenge(req)
	}
	return nil
}

func (h *Handler) challenge(req *sipmsg.Message) *sipmsg.Message {
	ch, err := digestauth.NewChallenge(h.realm)
	if err != nil {
		return h.response(req, 500, "Server Internal Error")
	}
	resp := h.response(req, 401, "Unauthorized")
	resp.Add("WWW-Authenticate", ch.Header())
	return resp
}

func (h *Handler) intervalTooBrief(req *sipmsg.Message) *sipmsg.Message {
	resp := h.response(req, 423, "Interval Too Brief")
	resp.Add("Min-Expires", strconv.Itoa(MinExpires))
	return resp
}

func (h *Handler) queryResponse(req *sipmsg.Message, aor string) *sipmsg.Message {
	resp := h.response(req, 200, "OK")
	for _, b := range h.store.LookupAll(aor) {
		resp.Add("Contact", fmt.Sprintf("<%s>;expires=%d", b.ContactURI, b.Expires))
	}
	return resp
}

// okWithBinding replies 200 OK listing the AOR's full current set of
// bindings as Contact headers, not just the one from this request.
func (h *Handler) okWithBinding(req *sipmsg.Message, aor string) *sipmsg.Message {
	resp := h.response(req, 200, "OK")
	bindings := h.store.LookupAll(aor)
	for _, b := range bindings {
		resp.Add("Contact", fmt.Sprintf("<%s>;expires=%d", b.ContactURI, b.Expires))
	}
	if len(bindings) == 1 {
		resp.Add("Expires", strconv.Itoa(bindings[0].Expires))
	}
	return resp
}

func (h *Handler) response(req *sipmsg.Message, code int, reason string) *sipmsg.Message {
	resp := sipmsg.NewMessage(fmt.Sprintf("SIP/2.0 %d %s", code, reason))
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		for _, v := range req.GetAll(name) {
			resp.Add(name, v)
		}
	}
	return resp
}

func (h *Handler) parseContact(req *sipmsg.Message, contactHeaderValue string) (uri string, expires int) {
	raw, params := splitContactParams(contactHeaderValue)
	uri = stripAngleBrackets(raw)
	expires = h.getExpires(req, params)
	return uri, expires
}

func (h *Handler) getExpires(req *sipmsg.Message, contactParams string) int {
	if contactParams != "" {
		if v, ok := paramValue(contactParams, "expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	if v, ok := req.Get("Expires"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return DefaultExpires
}

func isWildcardContact(contacts []string) bool {
	for _, c := range contacts {
		if strings.TrimSpace(c) == "*" {
			return true
		}
	}
	return false
}

func parseCSeqNumber(req *sipmsg.Message) uint32 {
	v, ok := req.Get("CSeq")
	if !ok {
		return 0
	}
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func splitContactParams(value string) (uriAndParams string, params string) {
	idx := strings.Index(value, ";")
	if idx == -1 {
		return value, ""
	}
	return value[:idx], value[idx+1:]
}

func paramValue(params, name string) (string, bool) {
	for _, part := range strings.Split(params, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], name) {
			return kv[1], true
		}
	}
	return "", false
}

func stripAngleBrackets(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		if idx := strings.Index(s, ">"); idx != -1 {
			return s[1:idx]
		}
	}
	return s
}
