package media

import (
	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

const (
	// samplesPerFrame is 20ms of 8kHz audio, the standard VoIP frame size.
	samplesPerFrame = 160
	// pcmuPayloadType is the static RTP payload type for G.711 u-law.
	pcmuPayloadType = 0
)

// silenceSource builds well-formed RTP packets, each carrying one 20ms
// frame of encoded G.711 u-law silence, used for NAT hole-punch bursts
// and forwarder keepalives (§4.7).
type silenceSource struct {
	ssrc      uint32
	seq       uint16
	timestamp uint32
	payload   []byte
}

func newSilenceSource() *silenceSource {
	zeroPCM := make([]int16, samplesPerFrame)
	return &silenceSource{
		ssrc:      GenerateSSRC(),
		seq:       GenerateSequenceStart(),
		timestamp: GenerateTimestampStart(),
		payload:   g711.EncodeUlaw(zeroPCM),
	}
}

// Next returns the marshaled bytes of the next silence packet in the
// stream, advancing sequence number and timestamp.
func (s *silenceSource) Next() ([]byte, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pcmuPayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: s.payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return nil, err
	}
	s.seq++
	s.timestamp += samplesPerFrame
	return data, nil
}
