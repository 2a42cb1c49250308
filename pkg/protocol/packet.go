package protocol

import (
	"encoding/binary"
	"fmt"
)

// Framed audio packet layout (framed_packet audio mode):
//
//	offset size field
//	0      1    magic        profile-configurable, default 0xA1
//	1      1    version      default 1
//	2      1    type         reserved, 0 = audio
//	3      1    flags        reserved
//	4      4    seq          big-endian
//	8      4    timestamp_ms big-endian
//	12     4    payload_len  big-endian
//
// The reserved type/flags bytes are surfaced to telemetry rather than
// validated; firmware revisions are free to use them.
const (
	PacketHeaderSize = 16

	// DefaultPacketMagic is the first header byte unless a modem profile
	// overrides it.
	DefaultPacketMagic byte = 0xA1

	// PacketVersion is the header version this runtime emits.
	PacketVersion byte = 1
)

// AudioFrame is one decoded framed audio packet.
type AudioFrame struct {
	Magic       byte
	Version     byte
	Type        byte
	Flags       byte
	Seq         uint32
	TimestampMS uint32
	Audio       []byte
}

// DecodeAudioFrame parses a framed packet. magic is the expected magic byte
// for the active profile. The payload slice aliases packet; callers that
// retain it beyond the packet's lifetime must copy.
func DecodeAudioFrame(packet []byte, magic byte) (*AudioFrame, error) {
	if len(packet) < PacketHeaderSize {
		return nil, fmt.Errorf("%w: packet too short (%d bytes)", ErrInvalidAudioFrame, len(packet))
	}
	if packet[0] != magic {
		return nil, fmt.Errorf("%w: magic 0x%02X, want 0x%02X", ErrInvalidAudioFrame, packet[0], magic)
	}
	payloadLen := binary.BigEndian.Uint32(packet[12:16])
	if int(payloadLen) > len(packet)-PacketHeaderSize {
		return nil, fmt.Errorf("%w: payload length %d exceeds packet", ErrInvalidAudioFrame, payloadLen)
	}
	audio := packet[PacketHeaderSize : PacketHeaderSize+int(payloadLen)]
	return &AudioFrame{
		Magic:       packet[0],
		Version:     packet[1],
		Type:        packet[2],
		Flags:       packet[3],
		Seq:         binary.BigEndian.Uint32(packet[4:8]),
		TimestampMS: binary.BigEndian.Uint32(packet[8:12]),
		Audio:       audio,
	}, nil
}

// EncodeAudioFrame builds a framed packet for the downlink audio stream.
func EncodeAudioFrame(audio []byte, magic byte, seq, timestampMS uint32) []byte {
	packet := make([]byte, PacketHeaderSize+len(audio))
	packet[0] = magic
	packet[1] = PacketVersion
	binary.BigEndian.PutUint32(packet[4:8], seq)
	binary.BigEndian.PutUint32(packet[8:12], timestampMS)
	binary.BigEndian.PutUint32(packet[12:16], uint32(len(audio)))
	copy(packet[PacketHeaderSize:], audio)
	return packet
}
