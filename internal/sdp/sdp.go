// Package sdp extracts and rewrites the handful of SDP lines the
// media relay cares about: the session/media connection address, the
// audio/video ports, and the rtpmap codec table. It never terminates
// or inspects SRTP — crypto/fingerprint lines pass through untouched
// unless a caller explicitly asks for them to be dropped.
package sdp

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// MediaInfo summarizes one m= section.
type MediaInfo struct {
	Port     int
	Proto    string // e.g. "RTP/AVP" or "RTP/SAVP"
	Formats  []string
	ConnAddr string // connection address in effect for this media (media-level override or session-level)
}

// Info is the extracted summary of an SDP body.
type Info struct {
	SessionConnAddr string
	Audio           *MediaInfo
	Video           *MediaInfo
	RTPMap          map[string]string // payload type -> "name/rate[/params]"
}

// Extract parses an SDP body and returns the fields the relay needs.
func Extract(body []byte) (*Info, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("unmarshal sdp: %w", err)
	}

	info := &Info{RTPMap: make(map[string]string)}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		info.SessionConnAddr = desc.ConnectionInformation.Address.Address
	}

	for _, md := range desc.MediaDescriptions {
		connAddr := info.SessionConnAddr
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			connAddr = md.ConnectionInformation.Address.Address
		}
		mi := &MediaInfo{
			Port:     md.MediaName.Port.Value,
			Proto:    joinProtos(md.MediaName.Protos),
			Formats:  append([]string(nil), md.MediaName.Formats...),
			ConnAddr: connAddr,
		}
		switch md.MediaName.Media {
		case "audio":
			info.Audio = mi
		case "video":
			info.Video = mi
		}
		for _, attr := range md.Attributes {
			if attr.Key == "rtpmap" {
				pt, name, ok := splitRtpmap(attr.Value)
				if ok {
					info.RTPMap[pt] = name
				}
			}
		}
	}
	return info, nil
}

func joinProtos(protos []string) string {
	out := ""
	for i, p := range protos {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

func splitRtpmap(value string) (pt, name string, ok bool) {
	for i := 0; i < len(value); i++ {
		if value[i] == ' ' {
			return value[:i], value[i+1:], true
		}
	}
	return "", "", false
}

// RewriteParams controls the SDP rewrite applied before forwarding a
// body to the other B2BUA leg (§4.6.7).
type RewriteParams struct {
	ConnAddr       string
	AudioPort      int // 0 means "leave audio port unchanged"
	VideoPort      int // 0 means "leave video port unchanged" (also used when no video is present)
	DropEncryption bool
}

// Rewrite replaces the connection address in every c= line and the
// port in the audio/video m= lines, preserving the transport token
// and payload list verbatim. It returns CRLF-terminated bytes.
func Rewrite(body []byte, p RewriteParams) ([]byte, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("unmarshal sdp: %w", err)
	}

	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil && p.ConnAddr != "" {
		desc.ConnectionInformation.Address.Address = p.ConnAddr
	}

	for _, md := range desc.MediaDescriptions {
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil && p.ConnAddr != "" {
			md.ConnectionInformation.Address.Address = p.ConnAddr
		}
		switch md.MediaName.Media {
		case "audio":
			if p.AudioPort != 0 {
				md.MediaName.Port.Value = p.AudioPort
			}
		case "video":
			if p.VideoPort != 0 {
				md.MediaName.Port.Value = p.VideoPort
			}
		}
		if p.DropEncryption {
			md.Attributes = stripEncryptionAttrs(md.Attributes)
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	return out, nil
}

func stripEncryptionAttrs(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0:0]
	for _, a := range attrs {
		if a.Key == "crypto" || a.Key == "fingerprint" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// HasVideo reports whether the SDP body advertises a video m= section.
func HasVideo(info *Info) bool {
	return info != nil && info.Video != nil
}
